// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshd is the session lifecycle manager: it accepts TCP
// connections, runs the SSH handshake with public-key authentication
// against the registry, and supervises one interactive session per
// connection. Channel and connection teardown happens on every exit
// path, including handler panics; a failing session never affects the
// accept loop or other sessions.
package sshd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/autopeer-foundation/autopeer/lib/netutil"
	"github.com/autopeer-foundation/autopeer/lib/registry"
)

// SessionHandler runs one authenticated session over stream. The
// context is cancelled when the client's transport goes away, so
// long-running work started by the handler dies with the session.
type SessionHandler func(ctx context.Context, maintainer string, stream io.ReadWriter) error

// Config wires a Server.
type Config struct {
	// Address and Port form the TCP listen address.
	Address string
	Port    int

	// HostKey is the server's SSH host identity.
	HostKey ssh.Signer

	// MOTDPath names the message-of-the-day file written to the
	// session right after the shell is requested. Empty or missing
	// file means no MOTD.
	MOTDPath string

	// Directory resolves which public keys may authenticate a
	// maintainer. Required unless NoClientAuth is set.
	Directory registry.Directory

	// NoClientAuth accepts every connection without authentication and
	// hands the SSH username to the handler as-is. Used by the gaming
	// service, where sessions carry no registry identity.
	NoClientAuth bool

	// MaxSessions caps concurrent sessions. Connections beyond the
	// cap are closed before the handshake starts.
	MaxSessions int64

	// Handler runs the interactive session.
	Handler SessionHandler

	// Logger receives connection lifecycle events. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Server accepts and supervises SSH sessions.
type Server struct {
	config    Config
	logger    *slog.Logger
	sshConfig *ssh.ServerConfig

	// sessions bounds concurrent sessions; acquired before the
	// handshake, released when the connection goroutine exits.
	sessions *semaphore.Weighted

	// active counts connection goroutines for the control socket's
	// status report.
	active atomic.Int64

	listener *net.TCPListener
}

// ActiveSessions returns the number of connections currently being
// served, handshakes included.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// acceptPollInterval bounds how long Serve blocks in Accept before
// rechecking the context.
const acceptPollInterval = time.Second

// maintainerExtension is the ssh.Permissions extension carrying the
// authenticated maintainer name from the handshake to the session.
const maintainerExtension = "autopeer-maintainer"

// New builds a Server. Call Listen and then Serve.
func New(config Config) (*Server, error) {
	if config.HostKey == nil {
		return nil, errors.New("sshd: host key is required")
	}
	if config.Handler == nil {
		return nil, errors.New("sshd: session handler is required")
	}
	if config.Directory == nil && !config.NoClientAuth {
		return nil, errors.New("sshd: registry directory is required")
	}
	if config.MaxSessions < 1 {
		return nil, fmt.Errorf("sshd: max sessions %d must be at least 1", config.MaxSessions)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		config:   config,
		logger:   logger,
		sessions: semaphore.NewWeighted(config.MaxSessions),
	}
	if config.NoClientAuth {
		s.sshConfig = &ssh.ServerConfig{NoClientAuth: true}
	} else {
		s.sshConfig = &ssh.ServerConfig{PublicKeyCallback: s.authenticate}
	}
	s.sshConfig.AddHostKey(config.HostKey)
	return s, nil
}

// authenticate checks the offered key against the registry keys of the
// maintainer named by the SSH username. The -MNT suffix is optional in
// the username.
func (s *Server) authenticate(conn ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
	maintainer := strings.TrimSuffix(conn.User(), "-MNT")
	if !registry.ValidMaintainerName(maintainer) {
		return nil, fmt.Errorf("sshd: invalid maintainer name %q", conn.User())
	}

	keys, err := s.config.Directory.AuthorizedKeys(maintainer)
	if err != nil {
		s.logger.Error("registry key lookup failed",
			"maintainer", maintainer,
			"error", err,
		)
		return nil, fmt.Errorf("sshd: key lookup for %s failed", maintainer)
	}

	offeredBytes := offered.Marshal()
	for _, key := range keys {
		if bytes.Equal(key.Marshal(), offeredBytes) {
			return &ssh.Permissions{
				Extensions: map[string]string{maintainerExtension: maintainer},
			}, nil
		}
	}
	return nil, fmt.Errorf("sshd: no matching key for %s", maintainer)
}

// Listen binds the TCP listener. Separate from Serve so callers can
// learn the bound address before serving (port 0 in tests).
func (s *Server) Listen() error {
	address := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("sshd: listening on %s: %w", address, err)
	}
	s.listener = listener.(*net.TCPListener)
	s.logger.Info("ssh listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for active sessions to finish. The accept call
// uses a short deadline so cancellation is observed within one poll
// interval even when no connection arrives.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("sshd: Serve called before Listen")
	}
	defer s.listener.Close()

	var activeSessions sync.WaitGroup
	defer activeSessions.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.listener.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return fmt.Errorf("sshd: setting accept deadline: %w", err)
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		if !s.sessions.TryAcquire(1) {
			s.logger.Warn("session limit reached, rejecting connection",
				"remote", conn.RemoteAddr().String(),
			)
			conn.Close()
			continue
		}

		activeSessions.Add(1)
		s.active.Add(1)
		go func() {
			defer activeSessions.Done()
			defer s.active.Add(-1)
			defer s.sessions.Release(1)
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection runs the handshake and the session for one TCP
// connection. The connection is closed on every return path.
func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	logger := s.logger.With("remote", netConn.RemoteAddr().String())

	serverConn, channels, requests, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			logger.Info("handshake failed", "error", err)
		}
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(requests)

	// With NoClientAuth there are no permissions; the raw SSH username
	// stands in for the maintainer.
	maintainer := serverConn.User()
	if serverConn.Permissions != nil {
		maintainer = serverConn.Permissions.Extensions[maintainerExtension]
	}
	logger = logger.With("maintainer", maintainer)
	logger.Info("session authenticated")

	// Cancel the session when the client transport goes away, so a
	// probe or prompt in flight is abandoned promptly.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		serverConn.Wait()
		cancel()
	}()

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			logger.Error("channel accept failed", "error", err)
			return
		}
		go acknowledgeRequests(channelRequests)

		s.runSession(sessionCtx, logger, maintainer, channel)
		return
	}
}

// acknowledgeRequests accepts the channel requests an interactive
// client sends (pty-req, shell, env) and refuses everything else.
// There is no command execution here, only the built-in shell.
func acknowledgeRequests(requests <-chan *ssh.Request) {
	for request := range requests {
		switch request.Type {
		case "pty-req", "shell", "env", "window-change":
			request.Reply(true, nil)
		default:
			request.Reply(false, nil)
		}
	}
}

// runSession writes the MOTD and runs the handler on the channel. A
// handler panic is logged with the session identity and tears this
// session down without touching the accept loop.
func (s *Server) runSession(ctx context.Context, logger *slog.Logger, maintainer string, channel ssh.Channel) {
	defer channel.Close()
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("session panicked",
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.writeMOTD(channel)

	if err := s.config.Handler(ctx, maintainer, channel); err != nil {
		logger.Error("session failed", "error", err)
		return
	}
	logger.Info("session closed")
}

// writeMOTD sends the message-of-the-day file to the session, with
// line endings normalized for a raw terminal. A missing file is not an
// error.
func (s *Server) writeMOTD(w io.Writer) {
	if s.config.MOTDPath == "" {
		return
	}
	motd, err := os.ReadFile(s.config.MOTDPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading motd failed", "path", s.config.MOTDPath, "error", err)
		}
		return
	}
	text := strings.ReplaceAll(string(motd), "\r\n", "\n")
	io.WriteString(w, strings.ReplaceAll(text, "\n", "\r\n"))
}
