package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultLocalPath is the fixed location of the embedded known-hosts
// database (spec.md §6: "the file path for the local backend is fixed").
const DefaultLocalPath = "./data/known_hosts.db"

// LocalStore is the embedded-SQLite fingerprint store. All access is
// serialized through mu, mirroring the single shared connection the
// original implementation wraps in a mutex-guarded handle — a pure
// connection pool would let the SQLite driver interleave statements
// across goroutines in ways the single-writer schema below doesn't need.
type LocalStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewLocal opens (creating if necessary) the SQLite file at path. An empty
// path uses DefaultLocalPath.
func NewLocal(path string) (*LocalStore, error) {
	if path == "" {
		path = DefaultLocalPath
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "mkdir", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// A single connection keeps SQLite's own locking and our mutex in
	// lockstep; nothing here benefits from a pool.
	db.SetMaxOpenConns(1)

	return &LocalStore{db: db}, nil
}

// Ensure creates the known_hosts table if it does not already exist.
func (s *LocalStore) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const stmt = `create table if not exists known_hosts (
		hostname text primary key,
		fingerprint text not null
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return &StorageError{Op: "ensure", Err: err}
	}
	return nil
}

// GetFingerprint looks up host's recorded fingerprint.
func (s *LocalStore) GetFingerprint(ctx context.Context, host string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fp string
	err := s.db.QueryRowContext(ctx, `select fingerprint from known_hosts where hostname = ?`, host).Scan(&fp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, &StorageError{Op: "get", Err: err}
	}
	return fp, true, nil
}

// PutFingerprint inserts host's fingerprint.
func (s *LocalStore) PutFingerprint(ctx context.Context, host, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `insert into known_hosts (hostname, fingerprint) values (?, ?)`, host, fingerprint)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
