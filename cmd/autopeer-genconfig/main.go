// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// autopeer-genconfig regenerates the WireGuard and BIRD configuration
// trees from the peering store. It writes a new timestamped version
// directory and flips the "current" symlink, so it is safe to run from
// a timer while the portal is serving sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/autopeer-foundation/autopeer/lib/config"
	"github.com/autopeer-foundation/autopeer/lib/peering"
	"github.com/autopeer-foundation/autopeer/lib/probe"
	"github.com/autopeer-foundation/autopeer/lib/process"
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
		version.Print("autopeer-genconfig")
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	privateKey, err := os.ReadFile(cfg.WireGuard.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading WireGuard private key: %w", err)
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

	prober := &probe.Prober{Logger: logger}
	generator := &wgconfig.Generator{
		Store: store,
		Params: wgconfig.Params{
			LocalASN:        cfg.Local.ASN,
			ServerName:      cfg.Local.ServerName,
			PublicKey:       cfg.WireGuard.PublicKey,
			PrivateKey:      string(trimNewline(privateKey)),
			BasePort:        cfg.WireGuard.BasePort,
			LinkLocalPrefix: cfg.WireGuard.LinkLocalPrefix,
		},
		WireGuardDir:     cfg.WireGuard.ConfigDir,
		BirdDir:          cfg.Bird.ConfigDir,
		LatencyCommunity: prober.LatencyCommunity,
		Logger:           logger,
	}

	return generator.GenerateAll(ctx)
}

// trimNewline strips the trailing line break key files usually carry.
func trimNewline(data []byte) []byte {
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data
}
