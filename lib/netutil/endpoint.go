// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil validates peer-supplied network endpoints and
// classifies connection errors for the session manager.
package netutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// LinkLocalBlock is the IPv6 link-local unicast block custom tunnel
// addresses must fall into.
var LinkLocalBlock = netip.MustParsePrefix("fe80::/10")

// ResolveEndpoint returns the IPv6 addresses a peering endpoint
// resolves to. A literal IPv6 address resolves to itself; a hostname is
// resolved to its AAAA records. A host with no IPv6 address yields an
// error.
func ResolveEndpoint(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is6() || addr.Is4In6() {
			return nil, fmt.Errorf("netutil: %s is not an IPv6 address", host)
		}
		return []netip.Addr{addr}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip6", host)
	if err != nil {
		return nil, fmt.Errorf("netutil: resolving %s: %w", host, err)
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok && addr.Is6() && !addr.Is4In6() {
			addrs = append(addrs, addr.Unmap())
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("netutil: %s has no IPv6 address", host)
	}
	return addrs, nil
}

// EndpointValidator rejects endpoint addresses that cannot carry a
// tunnel to this portal: private or otherwise non-routable addresses,
// addresses already configured on the local system, and addresses
// inside an operator-configured forbidden list.
type EndpointValidator struct {
	// Forbidden lists prefixes endpoints must not fall into (e.g. the
	// dn42 address space itself).
	Forbidden []netip.Prefix

	// LocalAddresses returns the addresses configured on this host.
	// Nil means scan the system's interfaces.
	LocalAddresses func() ([]netip.Addr, error)

	// Resolver resolves a hostname or literal to IPv6 addresses. Nil
	// means ResolveEndpoint.
	Resolver func(ctx context.Context, host string) ([]netip.Addr, error)
}

// Resolve resolves host through the configured resolver.
func (v *EndpointValidator) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if v.Resolver != nil {
		return v.Resolver(ctx, host)
	}
	return ResolveEndpoint(ctx, host)
}

// LinkLocal reports whether addr falls inside fe80::/10.
func (v *EndpointValidator) LinkLocal(addr netip.Addr) bool {
	return LinkLocalBlock.Contains(addr)
}

// ConfiguredLocally reports whether addr is configured on one of this
// host's interfaces.
func (v *EndpointValidator) ConfiguredLocally(addr netip.Addr) (bool, error) {
	locals, err := v.localAddresses()
	if err != nil {
		return false, fmt.Errorf("netutil: listing local addresses: %w", err)
	}
	for _, local := range locals {
		if local == addr {
			return true, nil
		}
	}
	return false, nil
}

// Check returns an error describing why addr is unusable as a peering
// endpoint, or nil if it is acceptable.
func (v *EndpointValidator) Check(addr netip.Addr) error {
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || !addr.IsValid() || addr.IsUnspecified() {
		return fmt.Errorf("netutil: %s is not a routable public address", addr)
	}

	local, err := v.ConfiguredLocally(addr)
	if err != nil {
		return err
	}
	if local {
		return fmt.Errorf("netutil: %s is configured on this host", addr)
	}

	for _, prefix := range v.Forbidden {
		if prefix.Contains(addr) {
			return fmt.Errorf("netutil: %s is inside forbidden network %s", addr, prefix)
		}
	}
	return nil
}

func (v *EndpointValidator) localAddresses() ([]netip.Addr, error) {
	if v.LocalAddresses != nil {
		return v.LocalAddresses()
	}
	return interfaceAddresses()
}

// interfaceAddresses returns every address configured on the host's
// interfaces.
func interfaceAddresses() ([]netip.Addr, error) {
	interfaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(interfaceAddrs))
	for _, interfaceAddr := range interfaceAddrs {
		ipNet, ok := interfaceAddr.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

// ParsePrefixes parses a list of CIDR strings. Used to turn the
// forbidden-network config into prefixes once at startup.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("netutil: parsing %q: %w", cidr, err)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}
