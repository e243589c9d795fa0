// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"

	"github.com/autopeer-foundation/autopeer/lib/peering"
)

var (
	asnPattern          = regexp.MustCompile(`^[0-9]+$`)
	wireguardKeyPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{43}=$`)
)

// authorizedASNs fetches the maintainer's AS numbers from the
// registry. Fetched fresh on every command so registry changes apply
// immediately. An empty result aborts the calling command.
func (s *Shell) authorizedASNs() ([]uint32, error) {
	asns, err := s.config.Directory.MaintainedASNs(s.config.Maintainer)
	if err != nil {
		s.logger.Error("registry lookup failed", "error", err)
		s.printLine("Registry lookup failed; please try again later.")
		return nil, errAborted
	}
	if len(asns) == 0 {
		s.printLine(fmt.Sprintf("The registry lists no AS numbers maintained by %s-MNT.", s.config.Maintainer))
		return nil, errAborted
	}
	return asns, nil
}

// selectASN picks the AS number the command operates on. A maintainer
// with exactly one AS number gets it auto-selected; otherwise the
// maintained set is shown and one member prompted for.
func (s *Shell) selectASN(asns []uint32) (uint32, error) {
	if len(asns) == 1 {
		s.printLine(fmt.Sprintf("Using AS%d.", asns[0]))
		return asns[0], nil
	}

	s.printLine(s.renderASNTable(asns))
	token, err := s.promptField("AS number: ")
	if err != nil {
		return 0, err
	}
	if !asnPattern.MatchString(token) {
		s.printLine("Invalid AS number.")
		return 0, errAborted
	}
	value, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		s.printLine("Invalid AS number.")
		return 0, errAborted
	}

	asn := uint32(value)
	for _, maintained := range asns {
		if maintained == asn {
			return asn, nil
		}
	}
	s.printLine(fmt.Sprintf("AS%d is not in your maintained AS list.", asn))
	return 0, errAborted
}

// promptPublicKey collects and validates a WireGuard public key.
func (s *Shell) promptPublicKey() (string, error) {
	key, err := s.promptField("WireGuard public key: ")
	if err != nil {
		return "", err
	}
	if !wireguardKeyPattern.MatchString(key) {
		s.printLine("Invalid WireGuard public key.")
		return "", errAborted
	}
	return key, nil
}

// promptEndpoint collects the peer's tunnel endpoint and checks every
// address it resolves to.
func (s *Shell) promptEndpoint(ctx context.Context) (string, error) {
	endpoint, err := s.promptField("Tunnel endpoint (IPv6 address or hostname): ")
	if err != nil {
		return "", err
	}
	if endpoint == "" {
		s.printLine("An endpoint is required.")
		return "", errAborted
	}

	addrs, resolveErr := s.config.Validator.Resolve(ctx, endpoint)
	if resolveErr != nil || len(addrs) == 0 {
		s.printLine(fmt.Sprintf("%s does not resolve to any global IPv6 address.", endpoint))
		return "", errAborted
	}
	for _, addr := range addrs {
		if err := s.config.Validator.Check(addr); err != nil {
			s.printLine(fmt.Sprintf("Endpoint address %s is not acceptable: %v", addr, err))
			return "", errAborted
		}
	}
	return endpoint, nil
}

// promptPort collects and validates the peer's tunnel endpoint port.
func (s *Shell) promptPort() (int, error) {
	token, err := s.promptField("Tunnel endpoint port: ")
	if err != nil {
		return 0, err
	}
	if !asnPattern.MatchString(token) {
		s.printLine("Invalid port.")
		return 0, errAborted
	}
	port, err := strconv.Atoi(token)
	if err != nil || port < 1 || port > 65535 {
		s.printLine("Port must be between 1 and 65535.")
		return 0, errAborted
	}
	return port, nil
}

// promptLinkLocal collects the optional custom link-local address. It
// must sit inside fe80::/10 and must not be an address this host
// already uses.
func (s *Shell) promptLinkLocal() (string, error) {
	token, err := s.promptField("Custom link-local address (empty for automatic): ")
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}

	addr, parseErr := netip.ParseAddr(token)
	if parseErr != nil || !addr.Is6() || !s.config.Validator.LinkLocal(addr) {
		s.printLine("The custom address must be an IPv6 link-local address (fe80::/10).")
		return "", errAborted
	}
	local, err := s.config.Validator.ConfiguredLocally(addr)
	if err != nil {
		s.logger.Error("interface enumeration failed", "error", err)
		s.printLine("Internal error; please try again later.")
		return "", errAborted
	}
	if local {
		s.printLine("That link-local address is already in use on this host.")
		return "", errAborted
	}
	return addr.String(), nil
}

func (s *Shell) peerCreate(ctx context.Context) (bool, error) {
	return false, userCommand(s.runPeerCreate(ctx))
}

func (s *Shell) runPeerCreate(ctx context.Context) error {
	asns, err := s.authorizedASNs()
	if err != nil {
		return err
	}
	asn, err := s.selectASN(asns)
	if err != nil {
		return err
	}

	if _, err := s.config.Store.Get(ctx, asn); err == nil {
		s.printLine(fmt.Sprintf("AS%d already has a peering. Remove it first with peer_remove.", asn))
		return errAborted
	} else if !errors.Is(err, peering.ErrNotFound) {
		return s.storeFailure(err)
	}

	publicKey, err := s.promptPublicKey()
	if err != nil {
		return err
	}
	endpoint, err := s.promptEndpoint(ctx)
	if err != nil {
		return err
	}
	port, err := s.promptPort()
	if err != nil {
		return err
	}
	linkLocal, err := s.promptLinkLocal()
	if err != nil {
		return err
	}

	slotID, err := s.config.Store.Create(ctx, peering.Record{
		ASN:             asn,
		PublicKey:       publicKey,
		EndpointAddress: endpoint,
		EndpointPort:    port,
		CustomLinkLocal: linkLocal,
	})
	switch {
	case errors.Is(err, peering.ErrConflict):
		s.printLine(fmt.Sprintf("AS%d already has a peering. Remove it first with peer_remove.", asn))
		return errAborted
	case errors.Is(err, peering.ErrCapacity):
		s.printLine("No peering slots are available on this server.")
		return errAborted
	case err != nil:
		return s.storeFailure(err)
	}

	s.printLine(fmt.Sprintf("Peering for AS%d created with slot id %d.", asn, slotID))
	s.printLine("Run peer_config to display the tunnel configuration for your side.")
	return nil
}

func (s *Shell) peerList(ctx context.Context) (bool, error) {
	return false, userCommand(s.runPeerList(ctx))
}

func (s *Shell) runPeerList(ctx context.Context) error {
	asns, err := s.authorizedASNs()
	if err != nil {
		return err
	}

	records, err := s.config.Store.List(ctx, asns)
	if err != nil {
		return s.storeFailure(err)
	}
	if len(records) == 0 {
		s.printLine("You have no peerings on this server.")
		return nil
	}
	s.printLine(s.renderPeeringTable(records))
	return nil
}

func (s *Shell) peerConfig(ctx context.Context) (bool, error) {
	return false, userCommand(s.runPeerConfig(ctx))
}

func (s *Shell) runPeerConfig(ctx context.Context) error {
	record, err := s.selectRecord(ctx)
	if err != nil {
		return err
	}

	wireguard, err := s.config.Params.RemoteWireGuard(*record)
	if err != nil {
		return s.storeFailure(err)
	}
	bird, err := s.config.Params.RemoteBird(*record)
	if err != nil {
		return s.storeFailure(err)
	}

	s.printLine("# WireGuard configuration for your side of the tunnel")
	s.printLine(wireguard)
	s.printLine("# BIRD session for your side (adjust to your local setup)")
	s.printLine(bird)
	return nil
}

func (s *Shell) peerRemove(ctx context.Context) (bool, error) {
	return false, userCommand(s.runPeerRemove(ctx))
}

func (s *Shell) runPeerRemove(ctx context.Context) error {
	asns, err := s.authorizedASNs()
	if err != nil {
		return err
	}
	asn, err := s.selectASN(asns)
	if err != nil {
		return err
	}

	confirmation, err := s.promptField(`Type "YES" to remove the peering: `)
	if err != nil {
		return err
	}
	if confirmation != "YES" {
		s.printLine("Aborted.")
		return errAborted
	}

	err = s.config.Store.Remove(ctx, asn)
	switch {
	case errors.Is(err, peering.ErrNotFound):
		s.printLine(fmt.Sprintf("AS%d has no peering on this server.", asn))
		return errAborted
	case err != nil:
		return s.storeFailure(err)
	}

	s.printLine(fmt.Sprintf("Peering for AS%d removed.", asn))
	return nil
}

func (s *Shell) peerStatus(ctx context.Context) (bool, error) {
	return false, userCommand(s.runPeerStatus(ctx))
}

func (s *Shell) runPeerStatus(ctx context.Context) error {
	record, err := s.selectRecord(ctx)
	if err != nil {
		return err
	}
	if s.config.Prober == nil {
		s.printLine("Status probing is not available on this server.")
		return errAborted
	}
	s.printLine(s.config.Prober.PeerStatus(ctx, record.ASN))
	return nil
}

// selectRecord resolves the AS number for a read-only command and
// fetches its record.
func (s *Shell) selectRecord(ctx context.Context) (*peering.Record, error) {
	asns, err := s.authorizedASNs()
	if err != nil {
		return nil, err
	}
	asn, err := s.selectASN(asns)
	if err != nil {
		return nil, err
	}

	record, err := s.config.Store.Get(ctx, asn)
	if errors.Is(err, peering.ErrNotFound) {
		s.printLine(fmt.Sprintf("AS%d has no peering on this server. Create one with peer_create.", asn))
		return nil, errAborted
	}
	if err != nil {
		return nil, s.storeFailure(err)
	}
	return record, nil
}

// storeFailure logs an unexpected storage error and shows the user a
// generic message without internal detail.
func (s *Shell) storeFailure(err error) error {
	s.logger.Error("store operation failed", "error", err)
	s.printLine("Internal error; please try again later.")
	return errAborted
}

// userCommand collapses an aborted command into a normal return to the
// prompt loop. Anything else is an I/O failure that ends the session.
func userCommand(err error) error {
	if errors.Is(err, errAborted) {
		return nil
	}
	return err
}

// sortedASNs returns the AS numbers of records in ascending order.
func sortedASNs(records map[uint32]peering.Record) []uint32 {
	asns := make([]uint32, 0, len(records))
	for asn := range records {
		asns = append(asns, asn)
	}
	sort.Slice(asns, func(i, j int) bool { return asns[i] < asns[j] })
	return asns
}
