// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// autopeer-gamed is the gaming service: an SSH server that accepts
// every connection without authentication and pipes each session to an
// external game command.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"github.com/autopeer-foundation/autopeer/lib/config"
	"github.com/autopeer-foundation/autopeer/lib/pipesession"
	"github.com/autopeer-foundation/autopeer/lib/process"
	"github.com/autopeer-foundation/autopeer/lib/sshd"
	"github.com/autopeer-foundation/autopeer/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	pflag.StringVar(&configPath, "config", "", "path to autopeer.yaml (overrides AUTOPEER_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("autopeer-gamed")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostKey, err := loadHostKey(cfg.SSH.HostKeyPath)
	if err != nil {
		return err
	}

	server, err := sshd.New(sshd.Config{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		HostKey:      hostKey,
		MOTDPath:     cfg.Gaming.MOTDPath,
		NoClientAuth: true,
		MaxSessions:  int64(cfg.Limits.MaxSessions),
		Logger:       logger,
		Handler:      pipesession.Handler(cfg.Gaming.Command, logger),
	})
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	logger.Info("gaming service running",
		"version", version.Info(),
		"listen", server.Addr().String(),
		"command", cfg.Gaming.Command,
	)

	return server.Serve(ctx)
}

// loadConfig loads the configuration and validates the fields the
// gaming daemon uses. The portal-only sections (registry, database,
// tunnel parameters) are not required here.
func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	var errs []error
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range [1, 65535]", cfg.Listen.Port))
	}
	if cfg.SSH.HostKeyPath == "" {
		errs = append(errs, fmt.Errorf("ssh.host_key_path is required"))
	}
	if cfg.Gaming.Command == "" {
		errs = append(errs, fmt.Errorf("gaming.command is required"))
	}
	if cfg.Limits.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("limits.max_sessions must be at least 1"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// loadHostKey reads and parses the PEM-encoded SSH host private key.
func loadHostKey(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %s: %w", path, err)
	}
	return signer, nil
}
