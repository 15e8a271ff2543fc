package fingerprint

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLocalStore_EnsureIsIdempotent(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()

	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
}

func TestLocalStore_GetFingerprint_AbsentIsNotAnError(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	fp, ok, err := store.GetFingerprint(ctx, "example.com:22")
	if err != nil {
		t.Fatalf("GetFingerprint: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false, got fingerprint %q", fp)
	}
}

func TestLocalStore_PutThenGetRoundTrips(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	const host = "example.com:22"
	const fingerprint = "SHA256:abcdef0123456789"
	if err := store.PutFingerprint(ctx, host, fingerprint); err != nil {
		t.Fatalf("PutFingerprint: %v", err)
	}

	got, ok, err := store.GetFingerprint(ctx, host)
	if err != nil {
		t.Fatalf("GetFingerprint: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after Put")
	}
	if got != fingerprint {
		t.Fatalf("got fingerprint %q, want %q", got, fingerprint)
	}
}

func TestLocalStore_DuplicatePutFails(t *testing.T) {
	store := newTestLocalStore(t)
	ctx := context.Background()
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	const host = "example.com:22"
	if err := store.PutFingerprint(ctx, host, "SHA256:one"); err != nil {
		t.Fatalf("first PutFingerprint: %v", err)
	}
	if err := store.PutFingerprint(ctx, host, "SHA256:two"); err == nil {
		t.Fatal("expected primary-key collision error on duplicate PutFingerprint")
	}
}

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts.db")
	store, err := NewLocal(path)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
