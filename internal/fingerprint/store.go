// Package fingerprint implements the trust-on-first-use host-key store:
// a small {host -> fingerprint} table behind a pluggable Store interface,
// backed either by an embedded SQLite file (Local) or a remote
// SQL-over-HTTP rqlite cluster (Remote).
package fingerprint

import (
	"context"
	"fmt"
)

// StorageError wraps a backend failure (local SQLite or the remote
// cluster) with the operation that failed, so callers and logs can tell
// "ensure schema" apart from "read" or "write" without string matching.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("fingerprint store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Store is the capability the SSH client handler (C4) consults for
// trust-on-first-use host-key verification. Implementations must be safe
// for concurrent use: the same Store is shared by every tunnel supervisor
// in the process.
type Store interface {
	// Ensure idempotently creates the persistent schema. Safe to call on
	// every startup.
	Ensure(ctx context.Context) error

	// GetFingerprint looks up the fingerprint recorded for host. Absence
	// is reported as (_, false, nil), never an error.
	GetFingerprint(ctx context.Context, host string) (fingerprint string, ok bool, err error)

	// PutFingerprint records the fingerprint for host. Callers must not
	// invoke PutFingerprint for a host that GetFingerprint already
	// reported as present in the same verification — doing so signals a
	// bug in the caller, not a condition this interface arbitrates.
	PutFingerprint(ctx context.Context, host, fingerprint string) error
}
