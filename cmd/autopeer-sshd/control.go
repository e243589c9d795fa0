// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/autopeer-foundation/autopeer/lib/ctlsock"
	"github.com/autopeer-foundation/autopeer/lib/peering"
	"github.com/autopeer-foundation/autopeer/lib/sshd"
	"github.com/autopeer-foundation/autopeer/lib/version"
)

// statusResponse answers the "status" control action.
type statusResponse struct {
	Version        string `cbor:"version"`
	UptimeSeconds  int64  `cbor:"uptime_seconds"`
	ActiveSessions int64  `cbor:"active_sessions"`
	PeerCount      int    `cbor:"peer_count"`
}

// peerEntry is one record in the "peers" control response.
type peerEntry struct {
	SlotID          int    `cbor:"slot_id"`
	ASN             uint32 `cbor:"asn"`
	EndpointAddress string `cbor:"endpoint_address"`
	EndpointPort    int    `cbor:"endpoint_port"`
	CustomLinkLocal string `cbor:"custom_link_local,omitempty"`
}

type peersResponse struct {
	Peers []peerEntry `cbor:"peers"`
}

// registerControlActions wires the operator actions onto the control
// socket server.
func registerControlActions(control *ctlsock.Server, server *sshd.Server, store *peering.Store) {
	startedAt := time.Now()

	control.Handle("status", func(ctx context.Context, _ []byte) (any, error) {
		peerCount, err := store.Count(ctx)
		if err != nil {
			return nil, err
		}
		return statusResponse{
			Version:        version.Info(),
			UptimeSeconds:  int64(time.Since(startedAt).Seconds()),
			ActiveSessions: server.ActiveSessions(),
			PeerCount:      peerCount,
		}, nil
	})

	control.Handle("peers", func(ctx context.Context, _ []byte) (any, error) {
		records, err := store.All(ctx)
		if err != nil {
			return nil, err
		}
		peers := make([]peerEntry, 0, len(records))
		for _, record := range records {
			peers = append(peers, peerEntry{
				SlotID:          record.SlotID,
				ASN:             record.ASN,
				EndpointAddress: record.EndpointAddress,
				EndpointPort:    record.EndpointPort,
				CustomLinkLocal: record.CustomLinkLocal,
			})
		}
		return peersResponse{Peers: peers}, nil
	})
}
