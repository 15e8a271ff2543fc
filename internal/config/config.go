// Package config loads and validates tunglo's declarative TOML
// configuration: the storage backend selection and the list of tunnels to
// run. The file is read once at startup; there is no hot-reload support.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvOrValue is a config value that is either stored inline (value) or
// read from an environment variable when Resolve is called (from_env).
// When both are present, value wins. At least one must be present.
type EnvOrValue struct {
	Value   string `toml:"value"`
	FromEnv string `toml:"from_env"`
}

// HasValue reports whether v carries an inline value.
func (v EnvOrValue) HasValue() bool { return v.Value != "" }

// HasEnv reports whether v is sourced from the environment.
func (v EnvOrValue) HasEnv() bool { return v.FromEnv != "" }

// UnmarshalTOML fills v from an already-decoded TOML table (a map) and
// enforces the at-least-one rule. go-toml/v2's Unmarshal, which Load uses,
// does not call this method; Load applies the same rule after decoding.
func (v *EnvOrValue) UnmarshalTOML(value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("config: expected a table with \"value\" and/or \"from_env\", got %T", value)
	}

	if raw, ok := m["value"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("config: \"value\" must be a string")
		}
		v.Value = s
	}
	if raw, ok := m["from_env"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("config: \"from_env\" must be a string")
		}
		v.FromEnv = s
	}

	if !v.HasValue() && !v.HasEnv() {
		return fmt.Errorf("config: must set at least one of \"value\" or \"from_env\"")
	}
	return nil
}

// Resolve returns the effective string for v: the inline value if set,
// otherwise the named environment variable's value. Resolve does not
// distinguish "variable unset" from "variable set to empty string" — that
// distinction belongs to callers that need EnvError-grade diagnostics (see
// internal/keyload for the one case that does).
func (v EnvOrValue) Resolve() string {
	if v.HasValue() {
		return v.Value
	}
	return os.Getenv(v.FromEnv)
}

// TunnelType is advisory metadata describing the protocol tunneled over a
// given forward. It is never consulted by the relay or SSH handler; it
// exists purely so configuration and logs can describe what a tunnel
// carries.
type TunnelType string

const (
	TunnelTypeHTTP    TunnelType = "http"
	TunnelTypeHTTP2   TunnelType = "http2"
	TunnelTypeGeneric TunnelType = "generic"
)

// UnmarshalText implements encoding.TextUnmarshaler, which go-toml/v2
// calls for the string "type" value, accepting the type
// case-insensitively.
func (t *TunnelType) UnmarshalText(text []byte) error {
	s := string(text)
	switch strings.ToLower(s) {
	case "http":
		*t = TunnelTypeHTTP
	case "http2":
		*t = TunnelTypeHTTP2
	case "generic", "":
		*t = TunnelTypeGeneric
	default:
		return fmt.Errorf("config: unknown tunnel type %q (want http, http2, or generic)", s)
	}
	return nil
}

// TunnelSpec is one declared tunnel. It is immutable once loaded.
type TunnelSpec struct {
	Name                   string      `toml:"name"`
	RemoteSSHAddress       string      `toml:"remote_ssh_address"`
	RemoteSSHPort          uint16      `toml:"remote_ssh_port"`
	RemoteSSHUser          string      `toml:"remote_ssh_user"`
	PrivateKeyPath         string      `toml:"private_key_path"`
	PrivateKeyPassphrase   *EnvOrValue `toml:"private_key_passphrase"`
	RemoteInterfaceAddress string      `toml:"remote_interface_address"`
	RemoteInterfacePort    uint16      `toml:"remote_interface_port"`
	ToAddress              string      `toml:"to_address"`
	ToPort                 uint16      `toml:"to_port"`
	Type                   TunnelType  `toml:"type"`
}

// validate checks the structural requirements spec.md places on a tunnel
// entry beyond what TOML decoding already enforces (required strings,
// non-zero ports).
func (t TunnelSpec) validate(index int) error {
	label := t.Name
	if label == "" {
		label = fmt.Sprintf("tunnels[%d]", index)
	}
	switch {
	case t.Name == "":
		return fmt.Errorf("config: tunnels[%d]: \"name\" is required", index)
	case t.RemoteSSHAddress == "":
		return fmt.Errorf("config: tunnel %q: \"remote_ssh_address\" is required", label)
	case t.RemoteSSHPort == 0:
		return fmt.Errorf("config: tunnel %q: \"remote_ssh_port\" is required", label)
	case t.RemoteSSHUser == "":
		return fmt.Errorf("config: tunnel %q: \"remote_ssh_user\" is required", label)
	case t.PrivateKeyPath == "":
		return fmt.Errorf("config: tunnel %q: \"private_key_path\" is required", label)
	case t.RemoteInterfaceAddress == "":
		return fmt.Errorf("config: tunnel %q: \"remote_interface_address\" is required", label)
	case t.RemoteInterfacePort == 0:
		return fmt.Errorf("config: tunnel %q: \"remote_interface_port\" is required", label)
	case t.ToAddress == "":
		return fmt.Errorf("config: tunnel %q: \"to_address\" is required", label)
	case t.ToPort == 0:
		return fmt.Errorf("config: tunnel %q: \"to_port\" is required", label)
	case t.PrivateKeyPassphrase != nil && !t.PrivateKeyPassphrase.HasValue() && !t.PrivateKeyPassphrase.HasEnv():
		return fmt.Errorf("config: tunnel %q: \"private_key_passphrase\" must set at least one of \"value\" or \"from_env\"", label)
	}
	return nil
}

// StorageType selects the fingerprint store backend.
type StorageType string

const (
	StorageTypeLocal  StorageType = "local"
	StorageTypeRqlite StorageType = "rqlite"
)

// RqliteSpec configures the remote SQL-over-HTTP storage backend.
type RqliteSpec struct {
	Host     EnvOrValue  `toml:"host"`
	User     *EnvOrValue `toml:"user"`
	Password *EnvOrValue `toml:"password"`
}

// StorageSpec selects and configures the fingerprint store backend.
type StorageSpec struct {
	Type   StorageType `toml:"type"`
	Rqlite *RqliteSpec `toml:"rqlite"`
}

// UnmarshalTOML fills s from an already-decoded TOML table, validating the
// bare string "type" against the known set and defaulting to local when
// absent. go-toml/v2's Unmarshal, which Load uses, does not call this
// method; Load applies the same type rules after decoding.
func (s *StorageSpec) UnmarshalTOML(value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("config: \"storage\" must be a table")
	}

	s.Type = StorageTypeLocal
	if raw, ok := m["type"]; ok {
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("config: storage \"type\" must be a string")
		}
		switch strings.ToLower(str) {
		case "local", "":
			s.Type = StorageTypeLocal
		case "rqlite":
			s.Type = StorageTypeRqlite
		default:
			return fmt.Errorf("config: unknown storage type %q (want local or rqlite)", str)
		}
	}

	if raw, ok := m["rqlite"]; ok {
		rm, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("config: \"storage.rqlite\" must be a table")
		}
		var spec RqliteSpec
		if err := decodeRqlite(rm, &spec); err != nil {
			return err
		}
		s.Rqlite = &spec
	}
	return nil
}

// decodeRqlite round-trips the already-decoded generic map back through
// toml.Unmarshal into out. toml.Unmarshal does not call
// EnvOrValue.UnmarshalTOML, so the at-least-one rule is not checked here.
func decodeRqlite(m map[string]any, out *RqliteSpec) error {
	encoded, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("config: re-encode storage.rqlite: %w", err)
	}
	if err := toml.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("config: storage.rqlite: %w", err)
	}
	return nil
}

// Config is the fully parsed, validated tunglo configuration.
type Config struct {
	Storage StorageSpec  `toml:"storage"`
	Tunnels []TunnelSpec `toml:"tunnels"`
}

// Load reads and parses the TOML file at path, applying the validation
// rules spec.md places on the schema. An empty path resolves to
// DefaultPath().
func Load(path string) (*Config, error) {
	if path == "" {
		resolved, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("config: resolve default path: %w", err)
		}
		path = resolved
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	switch strings.ToLower(string(cfg.Storage.Type)) {
	case "", string(StorageTypeLocal):
		cfg.Storage.Type = StorageTypeLocal
	case string(StorageTypeRqlite):
		cfg.Storage.Type = StorageTypeRqlite
	default:
		return nil, fmt.Errorf("config: unknown storage type %q (want local or rqlite)", cfg.Storage.Type)
	}
	if cfg.Storage.Type == StorageTypeRqlite {
		r := cfg.Rqlite()
		if r == nil || (!r.Host.HasValue() && !r.Host.HasEnv()) {
			return nil, fmt.Errorf("config: storage.type is \"rqlite\" but storage.rqlite.host is not set")
		}
		for name, ev := range map[string]*EnvOrValue{"user": r.User, "password": r.Password} {
			if ev != nil && !ev.HasValue() && !ev.HasEnv() {
				return nil, fmt.Errorf("config: storage.rqlite.%s must set at least one of \"value\" or \"from_env\"", name)
			}
		}
	}
	if len(cfg.Tunnels) == 0 {
		return nil, fmt.Errorf("config: at least one [[tunnels]] entry is required")
	}
	for i, t := range cfg.Tunnels {
		if err := t.validate(i); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Rqlite returns the storage.rqlite table, or nil if unset.
func (c *Config) Rqlite() *RqliteSpec { return c.Storage.Rqlite }

// DefaultPath returns the user-config location tunglo reads when no
// -c/--config flag is given: $XDG_CONFIG_HOME/tunglo.toml if
// XDG_CONFIG_HOME is set, otherwise ~/.config/tunglo.toml.
func DefaultPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunglo.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tunglo.toml"), nil
}
