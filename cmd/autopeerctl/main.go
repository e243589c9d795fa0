// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// autopeerctl is the operator client for the portal's control socket.
//
// Usage:
//
//	autopeerctl [--socket PATH] status
//	autopeerctl [--socket PATH] peers
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-foundation/autopeer/lib/ctlsock"
	"github.com/autopeer-foundation/autopeer/lib/process"
	"github.com/autopeer-foundation/autopeer/lib/version"
)

// defaultSocketPath matches the daemon's config default.
const defaultSocketPath = "/run/autopeer/control.sock"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var socketPath string
	var showVersion bool
	pflag.StringVar(&socketPath, "socket", defaultSocketPath, "control socket path")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("autopeerctl")
		return nil
	}

	if pflag.NArg() != 1 {
		return fmt.Errorf("usage: %s [--socket PATH] status|peers", os.Args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch action := pflag.Arg(0); action {
	case "status":
		return showStatus(ctx, socketPath)
	case "peers":
		return showPeers(ctx, socketPath)
	default:
		return fmt.Errorf("unknown action %q (expected status or peers)", action)
	}
}

func showStatus(ctx context.Context, socketPath string) error {
	var status struct {
		Version        string `cbor:"version"`
		UptimeSeconds  int64  `cbor:"uptime_seconds"`
		ActiveSessions int64  `cbor:"active_sessions"`
		PeerCount      int    `cbor:"peer_count"`
	}
	if err := ctlsock.Call(ctx, socketPath, map[string]string{"action": "status"}, &status); err != nil {
		return err
	}

	fmt.Printf("version:         %s\n", status.Version)
	fmt.Printf("uptime:          %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("active sessions: %d\n", status.ActiveSessions)
	fmt.Printf("peerings:        %d\n", status.PeerCount)
	return nil
}

func showPeers(ctx context.Context, socketPath string) error {
	var response struct {
		Peers []struct {
			SlotID          int    `cbor:"slot_id"`
			ASN             uint32 `cbor:"asn"`
			EndpointAddress string `cbor:"endpoint_address"`
			EndpointPort    int    `cbor:"endpoint_port"`
			CustomLinkLocal string `cbor:"custom_link_local"`
		} `cbor:"peers"`
	}
	if err := ctlsock.Call(ctx, socketPath, map[string]string{"action": "peers"}, &response); err != nil {
		return err
	}

	if len(response.Peers) == 0 {
		fmt.Println("no peerings")
		return nil
	}
	fmt.Printf("%-6s %-12s %-40s %-6s %s\n", "SLOT", "ASN", "ENDPOINT", "PORT", "LINK-LOCAL")
	for _, peer := range response.Peers {
		linkLocal := peer.CustomLinkLocal
		if linkLocal == "" {
			linkLocal = "(derived)"
		}
		fmt.Printf("%-6d %-12d %-40s %-6d %s\n",
			peer.SlotID, peer.ASN, peer.EndpointAddress, peer.EndpointPort, linkLocal)
	}
	return nil
}
