package relay

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// fakeChannel adapts net.Pipe's net.Conn into the io.ReadWriteCloser shape
// Job.Channel expects, standing in for an SSH channel in tests.
type fakeChannel struct {
	net.Conn
}

func TestRun_CopiesBytesBothDirections(t *testing.T) {
	backendLn := newEchoListener(t)
	defer backendLn.Close()

	client, channel := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Run(Job{Channel: fakeChannel{channel}, ToAddress: backendLn.Addr().String()}) }()

	const msg = "hello from the forwarded channel"
	if _, err := client.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, []byte(msg)) {
		t.Fatalf("got %q, want %q", buf, msg)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
}

func TestRun_DialFailureClosesChannelAndReturnsDialError(t *testing.T) {
	client, channel := net.Pipe()
	defer client.Close()

	ln := newEchoListener(t)
	addr := ln.Addr().String()
	ln.Close() // nothing listening anymore

	err := Run(Job{Channel: fakeChannel{channel}, ToAddress: addr})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if _, ok := err.(*DialError); !ok {
		t.Fatalf("got %T, want *DialError", err)
	}

	// The channel side must have been closed so the caller's read unblocks.
	buf := make([]byte, 1)
	if _, readErr := client.Read(buf); readErr == nil {
		t.Fatal("expected channel to be closed after dial failure")
	}
}

func TestRun_BackendCloseUnblocksChannelSide(t *testing.T) {
	ln, accepted := newAcceptOnceListener(t)
	defer ln.Close()

	client, channel := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Run(Job{Channel: fakeChannel{channel}, ToAddress: ln.Addr().String()}) }()

	backendConn := <-accepted
	backendConn.Close() // backend hangs up first

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after backend closed its side")
	}
}

func newEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func newAcceptOnceListener(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ln, ch
}
