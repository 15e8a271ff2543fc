package tunnel

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/emilianomaccaferri/tunglo/internal/config"
	"github.com/emilianomaccaferri/tunglo/internal/fingerprint"
	"github.com/emilianomaccaferri/tunglo/internal/keyload"
	"github.com/emilianomaccaferri/tunglo/internal/relay"
	"github.com/emilianomaccaferri/tunglo/internal/sshclient"
)

// jobQueueCapacity is the bound on outstanding forwarded-tcpip channel
// opens a handler may enqueue before Dispatch blocks (spec.md §4.4, §8
// property 7).
const jobQueueCapacity = 32

// SSHError wraps a failure from the SSH handshake, authentication, or a
// forward-request refusal — anything the x/crypto/ssh client surfaces
// once TCP is up.
type SSHError struct {
	Op  string
	Err error
}

func (e *SSHError) Error() string { return fmt.Sprintf("tunnel: %s: %v", e.Op, e.Err) }
func (e *SSHError) Unwrap() error { return e.Err }

// NetworkError wraps a TCP-level failure connecting to the tunnel's
// remote SSH endpoint.
type NetworkError struct {
	Addr string
	Err  error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("tunnel: connect %s: %v", e.Addr, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Supervisor drives one TunnelSpec's lifecycle: key load, SSH connect,
// authenticate, request remote forwarding, then an accept loop spawning
// one relay per incoming forwarded-tcpip channel. A Supervisor is used
// once; Run returns when the tunnel terminates, successfully or not.
type Supervisor struct {
	Spec  config.TunnelSpec
	Store fingerprint.Store
	Log   zerolog.Logger

	state State
}

// New builds a Supervisor for spec, sharing store across every tunnel in
// the process (spec.md §5: "the fingerprint store is shared across all
// handlers that reference it").
func New(spec config.TunnelSpec, store fingerprint.Store, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		Spec:  spec,
		Store: store,
		Log:   log.With().Str("tunnel", spec.Name).Str("type", string(spec.Type)).Logger(),
		state: Uninitialized,
	}
}

// State reports the supervisor's current lifecycle step.
func (s *Supervisor) State() State { return s.state }

func (s *Supervisor) transition(next State) {
	s.state = next
	s.Log.Debug().Str("state", next.String()).Msg("tunnel state transition")
}

// Run executes the tunnel's full lifecycle. It blocks until the tunnel
// terminates: a fatal error at any step, ctx being cancelled during the
// accept loop, or the session's forwarded-tcpip channel feed ending. A nil
// return means the tunnel shut down cleanly (context cancellation or end
// of the channel feed); any non-nil return is one of this package's
// or its collaborators' fatal error types.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.transition(Terminated)

	signer, err := keyload.Resolve(s.Spec.PrivateKeyPath, s.Spec.PrivateKeyPassphrase)
	if err != nil {
		s.Log.Error().Err(err).Msg("private key load failed")
		return err
	}
	s.transition(KeyLoaded)
	s.Log.Debug().Bool("rsa", isRSAKey(signer)).Msg("private key loaded")

	jobs := make(chan relay.Job, jobQueueCapacity)
	serverHost := net.JoinHostPort(s.Spec.RemoteSSHAddress, fmt.Sprintf("%d", s.Spec.RemoteSSHPort))
	handler := sshclient.New(serverHost, net.JoinHostPort(s.Spec.ToAddress, fmt.Sprintf("%d", s.Spec.ToPort)), s.Store, jobs)

	if err := s.Store.Ensure(ctx); err != nil {
		s.Log.Error().Err(err).Msg("fingerprint store ensure failed")
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.Spec.RemoteSSHUser,
		Auth:            []ssh.AuthMethod{publicKeyAuth(signer)},
		HostKeyCallback: handler.HostKeyCallback,
		Timeout:         10 * time.Second,
	}

	conn, err := net.DialTimeout("tcp", serverHost, clientCfg.Timeout)
	if err != nil {
		s.Log.Error().Err(err).Str("host", serverHost).Msg("TCP connect failed")
		return &NetworkError{Addr: serverHost, Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, serverHost, clientCfg)
	if err != nil {
		s.Log.Error().Err(err).Str("host", serverHost).Msg("SSH handshake failed")
		// ssh.NewClientConn wraps whatever HostKeyCallback returns as
		// "ssh: handshake failed: %w", so a raw type assertion on err
		// never matches; errors.As unwraps to find it.
		var nastyErr *sshclient.NastyKeyError
		if errors.As(err, &nastyErr) {
			return nastyErr
		}
		return &SSHError{Op: "handshake", Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()
	s.transition(Connected)
	s.transition(Authenticated) // ssh.NewClientConn has already completed auth by the time it returns

	// Register the forwarded-tcpip handler before requesting forwarding:
	// the server may open a channel the instant it accepts the
	// tcpip-forward request, and golang.org/x/crypto/ssh rejects channel
	// opens for any type with no handler registered at the time they
	// arrive.
	channels, err := client.HandleChannelOpen("forwarded-tcpip")
	if err != nil {
		return &SSHError{Op: "register forwarded-tcpip handler", Err: err}
	}

	forwardAddr := net.JoinHostPort(s.Spec.RemoteInterfaceAddress, fmt.Sprintf("%d", s.Spec.RemoteInterfacePort))
	if err := requestForwarding(client, s.Spec.RemoteInterfaceAddress, s.Spec.RemoteInterfacePort); err != nil {
		s.Log.Error().Err(err).Str("forward", forwardAddr).Msg("remote forward request refused")
		return &SSHError{Op: "tcpip-forward", Err: err}
	}
	s.transition(Forwarding)

	if _, err := client.NewSession(); err != nil {
		s.Log.Error().Err(err).Msg("control session open failed")
		return &SSHError{Op: "open control session", Err: err}
	}

	s.transition(Accepting)
	s.Log.Info().Str("host", serverHost).Str("forward", forwardAddr).Msg("tunnel established")

	// handler.Dispatch does the channel Accept and enqueues a relay.Job on
	// jobs; this goroutine is the single producer spec.md §4.4 describes,
	// the accept loop below is the single consumer.
	go func() {
		defer close(jobs)
		for newChannel := range channels {
			if err := handler.Dispatch(newChannel); err != nil {
				s.Log.Warn().Err(err).Msg("forwarded-tcpip dispatch failed")
			}
		}
	}()

	return s.acceptLoop(ctx, jobs)
}

// acceptLoop consumes RelayJobs from the queue C4's handler populates and
// spawns one fire-and-forget relay per job, per spec.md §4.5 step 7: the
// supervisor never awaits individual relays. It returns when ctx is
// cancelled or the queue is closed (the session's channel feed ended).
func (s *Supervisor) acceptLoop(ctx context.Context, jobs <-chan relay.Job) error {
	var relays sync.WaitGroup

	done := ctx.Done()
	for {
		select {
		case <-done:
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			s.spawnRelay(&relays, job)
		}
	}
}

func (s *Supervisor) spawnRelay(wg *sync.WaitGroup, job relay.Job) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(job); err != nil {
			s.Log.Warn().Err(err).Str("backend", job.ToAddress).Msg("relay terminated with error")
		}
	}()
}

// publicKeyAuth builds an ssh.AuthMethod for signer. When signer's key is
// RSA, ssh.PublicKeys lets the library negotiate rsa-sha2-256/512 against
// the server's advertised algorithms instead of the legacy ssh-rsa,
// provided the signer implements ssh.AlgorithmSigner — which every signer
// ssh.ParsePrivateKey(WithPassphrase) returns does. Non-RSA keys are
// unaffected by this negotiation and use the same call path.
func publicKeyAuth(signer ssh.Signer) ssh.AuthMethod {
	return ssh.PublicKeys(signer)
}

// isRSAKey reports whether signer's public key is RSA, used only for the
// log line accompanying auth so operators can see which negotiation path
// a given tunnel took.
func isRSAKey(signer ssh.Signer) bool {
	cryptoKey, ok := signer.PublicKey().(ssh.CryptoPublicKey)
	if !ok {
		return false
	}
	_, isRSA := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
	return isRSA
}

// requestForwarding issues the tcpip-forward global request for
// (addr, port). golang.org/x/crypto/ssh doesn't expose client-side
// tcpip-forward as a named method, so it's sent as a raw global request
// matching the wire format the teacher's own server-side handler parses
// in handleGlobalRequests/forwardedTCPPayload.
func requestForwarding(client *ssh.Client, addr string, port uint16) error {
	type tcpipForwardPayload struct {
		Addr string
		Port uint32
	}
	payload := ssh.Marshal(tcpipForwardPayload{Addr: addr, Port: uint32(port)})
	ok, _, err := client.SendRequest("tcpip-forward", true, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server refused tcpip-forward for %s:%d", addr, port)
	}
	return nil
}
