package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RemoteStore talks to an rqlite cluster's native HTTP API
// (https://rqlite.io/docs/api/api/) — POST /db/execute for writes, POST
// /db/query for reads, one parameterized statement per call. It is a
// hand-rolled net/http client (build request, set basic auth, check
// status, parse body) rather than a dedicated rqlite client package,
// since none is among this module's dependencies and the wire format is
// simple enough not to need one.
type RemoteStore struct {
	host     string
	user     string
	password string
	http     *http.Client
}

// NewRemote builds a client for the given host using the resolved
// (already-selected-between-inline-and-env) user/password, empty when
// absent. Basic auth is only attached when both resolve to non-empty
// strings (spec.md §4.1).
func NewRemote(host, user, password string) *RemoteStore {
	return &RemoteStore{
		host:     strings.TrimRight(host, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RemoteStore) authEnabled() bool { return s.user != "" && s.password != "" }

// Ensure creates the known_hosts table if it does not already exist.
func (s *RemoteStore) Ensure(ctx context.Context) error {
	const stmt = `create table if not exists known_hosts (
		hostname text primary key,
		fingerprint text not null
	)`
	_, err := s.execute(ctx, stmt)
	return err
}

// GetFingerprint looks up host's recorded fingerprint.
func (s *RemoteStore) GetFingerprint(ctx context.Context, host string) (string, bool, error) {
	result, err := s.query(ctx, "select fingerprint from known_hosts where hostname = ?", host)
	if err != nil {
		return "", false, err
	}
	if len(result.Values) == 0 || len(result.Values[0]) == 0 {
		return "", false, nil
	}
	fp, ok := result.Values[0][0].(string)
	if !ok {
		return "", false, &StorageError{Op: "get", Err: fmt.Errorf("unexpected fingerprint value type %T", result.Values[0][0])}
	}
	return fp, true, nil
}

// PutFingerprint inserts host's fingerprint.
func (s *RemoteStore) PutFingerprint(ctx context.Context, host, fingerprint string) error {
	_, err := s.execute(ctx, "insert into known_hosts (hostname, fingerprint) values (?, ?)", host, fingerprint)
	return err
}

// rqliteResult is the shape common to one entry of /db/execute's and
// /db/query's "results" array. Fields unused by a given call are left
// zero.
type rqliteResult struct {
	Columns []string `json:"columns,omitempty"`
	Values  [][]any  `json:"values,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type rqliteResponse struct {
	Results []rqliteResult `json:"results"`
}

func (s *RemoteStore) execute(ctx context.Context, sqlStmt string, args ...any) (rqliteResult, error) {
	return s.call(ctx, "/db/execute", sqlStmt, args...)
}

func (s *RemoteStore) query(ctx context.Context, sqlStmt string, args ...any) (rqliteResult, error) {
	return s.call(ctx, "/db/query", sqlStmt, args...)
}

func (s *RemoteStore) call(ctx context.Context, path, sqlStmt string, args ...any) (rqliteResult, error) {
	statement := append([]any{sqlStmt}, args...)
	body, err := json.Marshal([][]any{statement})
	if err != nil {
		return rqliteResult{}, &StorageError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+path, bytes.NewReader(body))
	if err != nil {
		return rqliteResult{}, &StorageError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authEnabled() {
		req.SetBasicAuth(s.user, s.password)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return rqliteResult{}, &StorageError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rqliteResult{}, &StorageError{Op: "request", Err: fmt.Errorf("rqlite returned HTTP %d", resp.StatusCode)}
	}

	var parsed rqliteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return rqliteResult{}, &StorageError{Op: "decode", Err: err}
	}
	if len(parsed.Results) == 0 {
		return rqliteResult{}, &StorageError{Op: "decode", Err: fmt.Errorf("rqlite returned no results")}
	}
	result := parsed.Results[0]
	if result.Error != "" {
		return rqliteResult{}, &StorageError{Op: "statement", Err: fmt.Errorf("%s", result.Error)}
	}
	return result, nil
}
