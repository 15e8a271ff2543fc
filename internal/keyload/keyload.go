// Package keyload resolves a tunnel's private key file into a usable SSH
// signer, applying the three passphrase variants a tunnel entry may carry.
// Resolve is a pure function: it touches only the filesystem and, for the
// from_env variant, the process environment — no shared state.
package keyload

import (
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"

	"github.com/emilianomaccaferri/tunglo/internal/config"
)

// EnvError reports a failure resolving a private_key_passphrase.from_env
// reference: either the named variable is unset, or its value is not valid
// UTF-8 text.
type EnvError struct {
	Var string
	Msg string
}

func (e *EnvError) Error() string { return e.Msg }

// KeyError wraps a failure loading or decrypting the private key file
// itself (bad path, bad PEM, wrong passphrase).
type KeyError struct {
	Path string
	Err  error
}

func (e *KeyError) Error() string { return fmt.Sprintf("private key %s: %v", e.Path, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// Resolve loads the private key at keyPath, decrypting it if passphrase
// names a source for the decryption passphrase.
//
// passphrase is matched structurally rather than through
// config.EnvOrValue.Resolve(): a well-formed spec carries exactly one of
// Value or FromEnv. config.Load accepts a spec with both set (and
// EnvOrValue.Resolve would prefer Value), but Resolve treats that case as
// not well-formed and falls back to an unencrypted load, using neither.
func Resolve(keyPath string, passphrase *config.EnvOrValue) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &KeyError{Path: keyPath, Err: err}
	}

	switch {
	case passphrase == nil:
		return parse(keyPath, data, nil)

	case passphrase.HasValue() && !passphrase.HasEnv():
		return parse(keyPath, data, []byte(passphrase.Value))

	case passphrase.HasEnv() && !passphrase.HasValue():
		raw, ok := os.LookupEnv(passphrase.FromEnv)
		if !ok {
			return nil, &EnvError{
				Var: passphrase.FromEnv,
				Msg: fmt.Sprintf("%s not found in the environment!", passphrase.FromEnv),
			}
		}
		if !utf8.ValidString(raw) {
			return nil, &EnvError{
				Var: passphrase.FromEnv,
				Msg: fmt.Sprintf("%s is not unicode!", passphrase.FromEnv),
			}
		}
		return parse(keyPath, data, []byte(raw))

	default:
		// Both set, or (should be unreachable past config validation)
		// neither set: not a well-formed variant. Fall back to an
		// unencrypted load rather than silently preferring one source.
		return parse(keyPath, data, nil)
	}
}

func parse(keyPath string, data, passphrase []byte) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if passphrase == nil {
		signer, err = ssh.ParsePrivateKey(data)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, passphrase)
	}
	if err != nil {
		return nil, &KeyError{Path: keyPath, Err: err}
	}
	return signer, nil
}
