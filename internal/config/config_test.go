package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tunglo.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalTunnel = `
[[tunnels]]
name = "macca"
remote_ssh_address = "1.1.1.1"
remote_ssh_port = 123
remote_ssh_user = "macca"
private_key_path = "path/ed25519"
remote_interface_address = "1.0.0.0"
remote_interface_port = 9002
to_address = "localhost"
to_port = 8082
type = "http"
`

func TestLoad_MinimalTunnelParsesWithDefaultLocalStorage(t *testing.T) {
	path := writeConfig(t, minimalTunnel)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != StorageTypeLocal {
		t.Fatalf("expected default storage type local, got %s", cfg.Storage.Type)
	}
	if len(cfg.Tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(cfg.Tunnels))
	}
	tun := cfg.Tunnels[0]
	if tun.Name != "macca" || tun.RemoteSSHPort != 123 || tun.Type != TunnelTypeHTTP {
		t.Fatalf("unexpected tunnel: %+v", tun)
	}
}

func TestLoad_RqliteStorageWithInlineCredentials(t *testing.T) {
	path := writeConfig(t, `
[storage]
type = "rqlite"

[storage.rqlite]
host = { value = "https://config-store:4001" }
user = { value = "macca" }
password = { value = "pongle" }
`+minimalTunnel)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Type != StorageTypeRqlite {
		t.Fatalf("expected rqlite storage type, got %s", cfg.Storage.Type)
	}
	r := cfg.Rqlite()
	if r == nil {
		t.Fatal("expected storage.rqlite to be set")
	}
	if r.Host.Resolve() != "https://config-store:4001" {
		t.Fatalf("unexpected host: %s", r.Host.Resolve())
	}
	if r.User.Resolve() != "macca" || r.Password.Resolve() != "pongle" {
		t.Fatalf("unexpected credentials: user=%q password=%q", r.User.Resolve(), r.Password.Resolve())
	}
}

func TestLoad_RqliteWithoutHostFails(t *testing.T) {
	path := writeConfig(t, `
[storage]
type = "rqlite"
`+minimalTunnel)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for rqlite storage without a host")
	}
}

func TestEnvOrValue_ValueWinsOverFromEnv(t *testing.T) {
	t.Setenv("TUNGLO_TEST_PASSPHRASE", "from-env-value")
	path := writeConfig(t, minimalTunnel+`
[tunnels.private_key_passphrase]
value = "inline-value"
from_env = "TUNGLO_TEST_PASSPHRASE"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pp := cfg.Tunnels[0].PrivateKeyPassphrase
	if pp == nil {
		t.Fatal("expected private_key_passphrase to be set")
	}
	if got := pp.Resolve(); got != "inline-value" {
		t.Fatalf("expected value to win, got %q", got)
	}
}

func TestEnvOrValue_NeitherSetFailsToParse(t *testing.T) {
	path := writeConfig(t, minimalTunnel+`
[tunnels.private_key_passphrase]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error when neither value nor from_env is set")
	}
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	path := writeConfig(t, `
[[tunnels]]
name = "macca"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for incomplete tunnel entry")
	}
}

func TestLoad_NoTunnelsFails(t *testing.T) {
	path := writeConfig(t, `
[storage]
type = "local"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no tunnels are declared")
	}
}

func TestDefaultPath_HonorsXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath: %v", err)
	}
	if path != filepath.Join(dir, "tunglo.toml") {
		t.Fatalf("unexpected default path: %s", path)
	}
}
