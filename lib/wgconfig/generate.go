// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package wgconfig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/autopeer-foundation/autopeer/lib/clock"
	"github.com/autopeer-foundation/autopeer/lib/peering"
)

// Generator writes local-side WireGuard and BIRD configuration for
// every peering record into timestamped version directories, then
// flips the "current" symlink in each base directory to the new
// version. The tunnel and BGP daemons read through the symlink, so a
// partially written version is never visible to them.
type Generator struct {
	// Store provides the peering records.
	Store *peering.Store

	// Params is the portal-side identity.
	Params Params

	// WireGuardDir and BirdDir are the base output directories.
	WireGuardDir string
	BirdDir      string

	// LatencyCommunity measures the latency to a peer endpoint and
	// maps it to a dn42 BGP community value. Typically
	// probe.LatencyCommunity.
	LatencyCommunity func(ctx context.Context, host string) int

	// Clock provides the version timestamp. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives per-file progress. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// versionFormat names version directories, e.g. 20260901143000.
const versionFormat = "20060102150405"

// GenerateAll renders and writes configuration for every record. The
// symlinks are only flipped after every file has been written, so a
// failure partway through leaves the previous version in effect.
func (g *Generator) GenerateAll(ctx context.Context) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := g.Clock
	if clk == nil {
		clk = clock.Real()
	}

	records, err := g.Store.All(ctx)
	if err != nil {
		return fmt.Errorf("wgconfig: %w", err)
	}

	version := clk.Now().Format(versionFormat)
	wireguardDir := filepath.Join(g.WireGuardDir, version)
	birdDir := filepath.Join(g.BirdDir, version)
	for _, directory := range []string{wireguardDir, birdDir} {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return fmt.Errorf("wgconfig: creating version directory: %w", err)
		}
	}

	for _, record := range records {
		wireguard, err := g.Params.LocalWireGuard(record)
		if err != nil {
			return err
		}
		wireguardPath := filepath.Join(wireguardDir, fmt.Sprintf("wg-as%d.conf", record.ASN))
		if err := os.WriteFile(wireguardPath, []byte(wireguard), 0600); err != nil {
			return fmt.Errorf("wgconfig: writing %s: %w", wireguardPath, err)
		}

		community := 9
		if g.LatencyCommunity != nil {
			community = g.LatencyCommunity(ctx, record.EndpointAddress)
		}
		bird, err := g.Params.LocalBird(record, community)
		if err != nil {
			return err
		}
		birdPath := filepath.Join(birdDir, fmt.Sprintf("ebgp_as%d", record.ASN))
		if err := os.WriteFile(birdPath, []byte(bird), 0644); err != nil {
			return fmt.Errorf("wgconfig: writing %s: %w", birdPath, err)
		}

		logger.Info("configuration written",
			"asn", record.ASN,
			"slot_id", record.SlotID,
			"version", version,
		)
	}

	for _, baseDir := range []string{g.WireGuardDir, g.BirdDir} {
		if err := flipCurrent(baseDir, version); err != nil {
			return err
		}
	}

	logger.Info("configuration generation complete",
		"peerings", len(records),
		"version", version,
	)
	return nil
}

// flipCurrent points <baseDir>/current at the version directory. The
// link target is the bare version name so the tree stays relocatable.
func flipCurrent(baseDir, version string) error {
	current := filepath.Join(baseDir, "current")
	if _, err := os.Lstat(current); err == nil {
		if err := os.Remove(current); err != nil {
			return fmt.Errorf("wgconfig: removing old current link: %w", err)
		}
	}
	if err := os.Symlink(version, current); err != nil {
		return fmt.Errorf("wgconfig: linking current to %s: %w", version, err)
	}
	return nil
}
