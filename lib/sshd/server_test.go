// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package sshd_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/crypto/ssh"

	"github.com/autopeer-foundation/autopeer/lib/sshd"
	"github.com/autopeer-foundation/autopeer/lib/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func generateKey(t *testing.T) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("wrapping key: %v", err)
	}
	return signer, signer.PublicKey()
}

// staticDirectory is a registry.Directory with fixed key material.
type staticDirectory struct {
	keys map[string][]ssh.PublicKey
}

func (d staticDirectory) AuthorizedKeys(maintainer string) ([]ssh.PublicKey, error) {
	return d.keys[maintainer], nil
}

func (d staticDirectory) MaintainedASNs(string) ([]uint32, error) { return nil, nil }

// startServer runs a server on a loopback port and returns its
// address. Shutdown is registered as test cleanup.
func startServer(t *testing.T, config sshd.Config) string {
	t.Helper()

	config.Address = "127.0.0.1"
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	server, err := sshd.New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 10*time.Second, "server shutdown")
	})

	return server.Addr().String()
}

func dial(t *testing.T, address, user string, signer ssh.Signer) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
}

// drainHandler reads the session until the client disconnects, then
// closes its done channel.
func drainHandler(done chan struct{}) sshd.SessionHandler {
	return func(_ context.Context, _ string, stream io.ReadWriter) error {
		defer close(done)
		io.Copy(io.Discard, stream)
		return nil
	}
}

func TestAuthorizedKeyAccepted(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	sessionDone := make(chan struct{})
	maintainers := make(chan string, 1)
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 4,
		Handler: func(_ context.Context, maintainer string, stream io.ReadWriter) error {
			defer close(sessionDone)
			maintainers <- maintainer
			io.WriteString(stream, "welcome\r\n")
			io.Copy(io.Discard, stream)
			return nil
		},
	})

	client, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	received := make(chan string, 1)
	go func() {
		buffer := make([]byte, 64)
		n, _ := stdout.Read(buffer)
		received <- string(buffer[:n])
	}()
	if got := testutil.RequireReceive(t, received, 10*time.Second, "session output"); !strings.Contains(got, "welcome") {
		t.Errorf("session output = %q, want welcome banner", got)
	}
	if got := testutil.RequireReceive(t, maintainers, 10*time.Second, "maintainer identity"); got != "tester" {
		t.Errorf("handler saw maintainer %q, want %q", got, "tester")
	}

	client.Close()
	testutil.RequireClosed(t, sessionDone, 10*time.Second, "handler exit after disconnect")
}

func TestMaintainerSuffixStripped(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	sessionDone := make(chan struct{})
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 4,
		Handler:     drainHandler(sessionDone),
	})

	client, err := dial(t, address, "tester-MNT", clientKey)
	if err != nil {
		t.Fatalf("Dial with -MNT suffix: %v", err)
	}
	client.Close()
	testutil.RequireClosed(t, sessionDone, 10*time.Second, "handler exit")
}

func TestWrongKeyRejected(t *testing.T) {
	hostKey, _ := generateKey(t)
	_, authorizedPub := generateKey(t)
	wrongKey, _ := generateKey(t)

	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {authorizedPub}}},
		MaxSessions: 4,
		Handler: func(context.Context, string, io.ReadWriter) error {
			t.Error("handler ran for an unauthenticated connection")
			return nil
		},
	})

	if client, err := dial(t, address, "tester", wrongKey); err == nil {
		client.Close()
		t.Fatal("Dial succeeded with an unauthorized key")
	}
}

func TestUnknownMaintainerRejected(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, _ := generateKey(t)

	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{}},
		MaxSessions: 4,
		Handler: func(context.Context, string, io.ReadWriter) error {
			t.Error("handler ran for an unknown maintainer")
			return nil
		},
	})

	if client, err := dial(t, address, "nobody", clientKey); err == nil {
		client.Close()
		t.Fatal("Dial succeeded for a maintainer with no registry keys")
	}
}

func TestSessionLimitAndRelease(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	sessionEnds := make(chan struct{}, 4)
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 1,
		Handler: func(_ context.Context, _ string, stream io.ReadWriter) error {
			defer func() { sessionEnds <- struct{}{} }()
			io.Copy(io.Discard, stream)
			return nil
		},
	})

	first, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	session, err := first.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	// At capacity: the second connection is closed before it can
	// complete a handshake.
	if second, err := dial(t, address, "tester", clientKey); err == nil {
		second.Close()
		t.Fatal("second Dial succeeded past the session limit")
	}

	// Disconnecting the first session releases its slot exactly once;
	// a new connection must succeed again.
	first.Close()
	testutil.RequireReceive(t, sessionEnds, 10*time.Second, "first session teardown")

	deadline := time.Now().Add(10 * time.Second)
	for {
		replacement, err := dial(t, address, "tester", clientKey)
		if err == nil {
			replacement.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still rejected after the first session ended: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	panicked := make(chan struct{})
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 4,
		Handler: func(context.Context, string, io.ReadWriter) error {
			close(panicked)
			panic("deliberate session panic")
		},
	})

	client, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if session, err := client.NewSession(); err == nil {
		session.Shell()
		defer session.Close()
	}
	testutil.RequireClosed(t, panicked, 10*time.Second, "panicking handler ran")
	client.Close()

	// The accept loop must still be alive.
	replacement, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("Dial after handler panic: %v", err)
	}
	replacement.Close()
}

func TestSessionContextCancelledOnDisconnect(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	cancelled := make(chan struct{})
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 4,
		Handler: func(ctx context.Context, _ string, _ io.ReadWriter) error {
			<-ctx.Done()
			close(cancelled)
			return nil
		},
	})

	client, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	client.Close()
	testutil.RequireClosed(t, cancelled, 10*time.Second, "session context cancellation")
}

func TestMOTDWrittenToSession(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	motdPath := filepath.Join(t.TempDir(), "motd")
	if err := os.WriteFile(motdPath, []byte("Welcome to the peering portal\n"), 0644); err != nil {
		t.Fatalf("writing motd: %v", err)
	}

	sessionDone := make(chan struct{})
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		MOTDPath:    motdPath,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 4,
		Handler:     drainHandler(sessionDone),
	})

	client, err := dial(t, address, "tester", clientKey)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	received := make(chan string, 1)
	go func() {
		buffer := make([]byte, 128)
		n, _ := stdout.Read(buffer)
		received <- string(buffer[:n])
	}()
	got := testutil.RequireReceive(t, received, 10*time.Second, "motd output")
	if !strings.Contains(got, "Welcome to the peering portal\r\n") {
		t.Errorf("session output = %q, want the MOTD with CRLF endings", got)
	}

	client.Close()
	testutil.RequireClosed(t, sessionDone, 10*time.Second, "handler exit")
}

// TestAbruptDisconnectReleasesEverything simulates a client vanishing
// mid-prompt: the raw TCP connection is severed without an SSH-level
// goodbye. The handler must observe end-of-stream and the session slot
// must be released.
func TestAbruptDisconnectReleasesEverything(t *testing.T) {
	hostKey, _ := generateKey(t)
	clientKey, clientPub := generateKey(t)

	sessionEnds := make(chan struct{}, 4)
	address := startServer(t, sshd.Config{
		HostKey:     hostKey,
		Directory:   staticDirectory{keys: map[string][]ssh.PublicKey{"tester": {clientPub}}},
		MaxSessions: 1,
		Handler: func(_ context.Context, _ string, stream io.ReadWriter) error {
			defer func() { sessionEnds <- struct{}{} }()
			io.Copy(io.Discard, stream)
			return nil
		},
	})

	// Hand-rolled client connection so the raw socket can be severed.
	netConn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	clientConn, channels, requests, err := ssh.NewClientConn(netConn, address, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(clientKey)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClientConn: %v", err)
	}
	client := ssh.NewClient(clientConn, channels, requests)
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	netConn.Close()
	testutil.RequireReceive(t, sessionEnds, 10*time.Second, "handler exit after severed socket")

	// The slot must be free again.
	deadline := time.Now().Add(10 * time.Second)
	for {
		replacement, err := dial(t, address, "tester", clientKey)
		if err == nil {
			replacement.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session slot not released after abrupt disconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNoClientAuthAcceptsAnyUser(t *testing.T) {
	hostKey, _ := generateKey(t)

	sessionDone := make(chan struct{})
	users := make(chan string, 1)
	address := startServer(t, sshd.Config{
		HostKey:      hostKey,
		NoClientAuth: true,
		MaxSessions:  4,
		Handler: func(_ context.Context, user string, stream io.ReadWriter) error {
			defer close(sessionDone)
			users <- user
			io.Copy(io.Discard, stream)
			return nil
		},
	})

	// No credentials at all; the client falls back to "none" auth.
	client, err := ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            "zork",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial without credentials: %v", err)
	}
	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}

	if got := testutil.RequireReceive(t, users, 10*time.Second, "session username"); got != "zork" {
		t.Errorf("handler saw user %q, want %q", got, "zork")
	}

	client.Close()
	testutil.RequireClosed(t, sessionDone, 10*time.Second, "handler exit after disconnect")
}

func TestDirectoryRequiredWithoutNoClientAuth(t *testing.T) {
	hostKey, _ := generateKey(t)

	_, err := sshd.New(sshd.Config{
		HostKey:     hostKey,
		MaxSessions: 4,
		Handler:     drainHandler(make(chan struct{})),
	})
	if err == nil {
		t.Fatal("New without a registry directory succeeded, want error")
	}
}
