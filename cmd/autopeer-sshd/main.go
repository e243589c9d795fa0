// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// autopeer-sshd is the peering portal daemon: an SSH server whose
// sessions run the interactive peering shell, plus a Unix control
// socket for operators.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"github.com/autopeer-foundation/autopeer/lib/config"
	"github.com/autopeer-foundation/autopeer/lib/ctlsock"
	"github.com/autopeer-foundation/autopeer/lib/netutil"
	"github.com/autopeer-foundation/autopeer/lib/peering"
	"github.com/autopeer-foundation/autopeer/lib/probe"
	"github.com/autopeer-foundation/autopeer/lib/process"
	"github.com/autopeer-foundation/autopeer/lib/registry"
	"github.com/autopeer-foundation/autopeer/lib/shell"
	"github.com/autopeer-foundation/autopeer/lib/sshd"
	"github.com/autopeer-foundation/autopeer/lib/version"
	"github.com/autopeer-foundation/autopeer/lib/wgconfig"
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
		version.Print("autopeer-sshd")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := peering.OpenStore(peering.StoreConfig{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	forbidden, err := netutil.ParsePrefixes(cfg.ForbiddenNetworks)
	if err != nil {
		return err
	}

	directory := registry.NewFlatFile(cfg.Registry.Directory)
	validator := &netutil.EndpointValidator{Forbidden: forbidden}
	prober := &probe.Prober{Logger: logger}
	params := wgconfig.Params{
		LocalASN:        cfg.Local.ASN,
		ServerName:      cfg.Local.ServerName,
		PublicKey:       cfg.WireGuard.PublicKey,
		BasePort:        cfg.WireGuard.BasePort,
		LinkLocalPrefix: cfg.WireGuard.LinkLocalPrefix,
	}

	hostKey, err := loadHostKey(cfg.SSH.HostKeyPath)
	if err != nil {
		return err
	}

	server, err := sshd.New(sshd.Config{
		Address:     cfg.Listen.Address,
		Port:        cfg.Listen.Port,
		HostKey:     hostKey,
		MOTDPath:    cfg.SSH.MOTDPath,
		Directory:   directory,
		MaxSessions: int64(cfg.Limits.MaxSessions),
		Logger:      logger,
		Handler: func(ctx context.Context, maintainer string, stream io.ReadWriter) error {
			return shell.New(shell.Config{
				Maintainer: maintainer,
				Store:      store,
				Directory:  directory,
				Validator:  validator,
				Params:     params,
				Prober:     prober,
				Logger:     logger,
			}, stream).Run(ctx)
		},
	})
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	controlServer := ctlsock.NewServer(cfg.Control.SocketPath, logger)
	registerControlActions(controlServer, server, store)

	controlDone := make(chan error, 1)
	go func() {
		controlDone <- controlServer.Serve(ctx)
	}()

	logger.Info("autopeer portal running",
		"version", version.Info(),
		"listen", server.Addr().String(),
		"control", cfg.Control.SocketPath,
	)

	serveErr := server.Serve(ctx)

	if err := <-controlDone; err != nil {
		logger.Error("control socket error", "error", err)
	}
	return serveErr
}

// loadConfig loads and validates the configuration from --config or
// AUTOPEER_CONFIG.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
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
