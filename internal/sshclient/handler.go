// Package sshclient implements the client-side SSH callbacks a tunnel
// supervisor attaches to its session: trust-on-first-use host-key
// verification backed by a fingerprint.Store, and dispatch of incoming
// forwarded-tcpip channel-open events into relay jobs.
package sshclient

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/emilianomaccaferri/tunglo/internal/fingerprint"
	"github.com/emilianomaccaferri/tunglo/internal/relay"
)

// NastyKeyError reports a fingerprint mismatch against a previously
// trusted host: the server now presents a different key than the one
// recorded on first contact. This is always fatal for the owning tunnel.
type NastyKeyError struct {
	Host     string
	Stored   string
	Observed string
}

func (e *NastyKeyError) Error() string {
	return fmt.Sprintf("sshclient: host key mismatch for %s: stored %s, observed %s", e.Host, e.Stored, e.Observed)
}

// Handler implements the per-session callbacks the SSH client library
// invokes: the host-key check during handshake, and the forwarded-tcpip
// channel dispatch once the session is established.
type Handler struct {
	// ServerHost is the fingerprint store's key for this session's peer,
	// normally "host:port".
	ServerHost string
	// ToAddress is the local backend target every relay job dials.
	ToAddress string

	Store fingerprint.Store
	// Jobs receives one entry per forwarded-tcpip channel open. Capacity
	// 32 per spec; sending blocks (backpressure) once full.
	Jobs chan<- relay.Job
}

// New builds a Handler for one tunnel session. jobs must be a buffered
// channel of capacity 32 (spec.md §4.4's backpressure bound); New does not
// enforce the capacity itself so tests can use a smaller buffer.
func New(serverHost, toAddress string, store fingerprint.Store, jobs chan<- relay.Job) *Handler {
	return &Handler{ServerHost: serverHost, ToAddress: toAddress, Store: store, Jobs: jobs}
}

// HostKeyCallback is the TOFU policy: accept a first-seen fingerprint and
// record it; accept a fingerprint matching what was previously recorded;
// reject (fatally) any other fingerprint for the same host.
func (h *Handler) HostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	observed := ssh.FingerprintSHA256(key)

	ctx := context.Background()
	stored, ok, err := h.Store.GetFingerprint(ctx, h.ServerHost)
	if err != nil {
		return &fingerprint.StorageError{Op: "check host key", Err: err}
	}

	if ok {
		if stored != observed {
			return &NastyKeyError{Host: h.ServerHost, Stored: stored, Observed: observed}
		}
		return nil
	}

	if err := h.Store.PutFingerprint(ctx, h.ServerHost, observed); err != nil {
		return &fingerprint.StorageError{Op: "record host key", Err: err}
	}
	return nil
}

// forwardedTCPPayload is the wire encoding of a "forwarded-tcpip"
// channel-open request (RFC 4254 §7.2), as the server marshals it on the
// opening side.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Dispatch accepts one incoming forwarded-tcpip channel and enqueues the
// corresponding relay.Job. It is meant to be called in a loop over the
// channel returned by (*ssh.Client).HandleChannelOpen("forwarded-tcpip").
// Dispatch blocks on the Jobs send, which is the backpressure point
// spec.md §4.4 describes.
func (h *Handler) Dispatch(newChannel ssh.NewChannel) error {
	var payload forwardedTCPPayload
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
		return fmt.Errorf("sshclient: unmarshal forwarded-tcpip payload: %w", err)
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		return fmt.Errorf("sshclient: accept forwarded-tcpip channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	h.Jobs <- relay.Job{Channel: channel, ToAddress: h.ToAddress}
	return nil
}

// marshalForwardedTCP builds the wire payload for a synthetic
// forwarded-tcpip NewChannel, used by this package's own tests.
func marshalForwardedTCP(addr string, port uint32, originAddr string, originPort uint32) []byte {
	return ssh.Marshal(forwardedTCPPayload{Addr: addr, Port: port, OriginAddr: originAddr, OriginPort: originPort})
}
