// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package peering

import (
	"errors"
	"fmt"
)

// Store error taxonomy. Callers classify failures with errors.Is; the
// shell maps each to a user-visible one-line message.
var (
	// ErrConflict means the AS number already has a peering record.
	ErrConflict = errors.New("peering: AS number already has a peering")

	// ErrCapacity means every slot id in [1, 65535] is allocated.
	ErrCapacity = errors.New("peering: no free slot id")

	// ErrNotFound means no peering record exists for the AS number.
	ErrNotFound = errors.New("peering: no such peering")
)

// MaxSlotID bounds slot ids to 16 bits. A slot id becomes part of the
// derived link-local tunnel address, so it must fit in one hex group.
const MaxSlotID = 65535

// Record is one peering link. SlotID is assigned by the store on
// create and reused after removal; every other field comes from the
// peer.
type Record struct {
	// SlotID is the small unique integer assigned to this peering,
	// in [1, MaxSlotID]. It derives the tunnel addresses and the
	// local WireGuard listen port.
	SlotID int

	// ASN is the peer's autonomous system number. Unique across all
	// records.
	ASN uint32

	// PublicKey is the peer's WireGuard public key.
	PublicKey string

	// EndpointAddress is the peer's tunnel endpoint address or
	// hostname.
	EndpointAddress string

	// EndpointPort is the peer's tunnel endpoint port, in [1, 65535].
	EndpointPort int

	// CustomLinkLocal is an optional peer-supplied link-local tunnel
	// address. When empty, the peer side address is derived from
	// SlotID.
	CustomLinkLocal string
}

// PeerLinkLocal returns the peer-side tunnel address: the custom
// link-local when the peer supplied one, otherwise derived from the
// slot id under the given prefix.
func (r *Record) PeerLinkLocal(prefix string) string {
	if r.CustomLinkLocal != "" {
		return r.CustomLinkLocal
	}
	return fmt.Sprintf("%s2:%x", prefix, r.SlotID)
}

// LocalLinkLocal returns the portal-side tunnel address derived from
// the slot id under the given prefix.
func (r *Record) LocalLinkLocal(prefix string) string {
	return fmt.Sprintf("%s1:%x", prefix, r.SlotID)
}

// LocalListenPort returns the portal-side WireGuard listen port for
// this peering: the configured base port plus the slot id.
func (r *Record) LocalListenPort(basePort int) int {
	return basePort + r.SlotID
}
