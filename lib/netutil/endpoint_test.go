// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package netutil_test

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"syscall"
	"testing"

	"github.com/autopeer-foundation/autopeer/lib/netutil"
)

func TestResolveEndpointLiteral(t *testing.T) {
	addrs, err := netutil.ResolveEndpoint(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatalf("ResolveEndpoint: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("ResolveEndpoint = %v, want [2001:db8::1]", addrs)
	}
}

func TestResolveEndpointRejectsIPv4(t *testing.T) {
	if _, err := netutil.ResolveEndpoint(context.Background(), "192.0.2.1"); err == nil {
		t.Fatal("ResolveEndpoint accepted an IPv4 literal")
	}
}

func TestCheckRejectsUnroutable(t *testing.T) {
	validator := &netutil.EndpointValidator{
		LocalAddresses: func() ([]netip.Addr, error) { return nil, nil },
	}

	for _, bad := range []string{
		"fd00::1",  // unique-local
		"::1",      // loopback
		"fe80::1",  // link-local
		"ff02::1",  // multicast
		"10.0.0.1", // RFC1918
		"::",       // unspecified
	} {
		if err := validator.Check(netip.MustParseAddr(bad)); err == nil {
			t.Errorf("Check(%s) accepted an unroutable address", bad)
		}
	}

	if err := validator.Check(netip.MustParseAddr("2001:db8::1")); err != nil {
		t.Errorf("Check rejected a routable address: %v", err)
	}
}

func TestCheckRejectsLocallyConfigured(t *testing.T) {
	local := netip.MustParseAddr("2001:db8::5")
	validator := &netutil.EndpointValidator{
		LocalAddresses: func() ([]netip.Addr, error) {
			return []netip.Addr{local}, nil
		},
	}

	if err := validator.Check(local); err == nil {
		t.Fatal("Check accepted an address configured on this host")
	}
}

func TestCheckRejectsForbiddenNetwork(t *testing.T) {
	forbidden, err := netutil.ParsePrefixes([]string{"2001:db8:bad::/48"})
	if err != nil {
		t.Fatalf("ParsePrefixes: %v", err)
	}
	validator := &netutil.EndpointValidator{
		Forbidden:      forbidden,
		LocalAddresses: func() ([]netip.Addr, error) { return nil, nil },
	}

	if err := validator.Check(netip.MustParseAddr("2001:db8:bad::1")); err == nil {
		t.Fatal("Check accepted an address inside a forbidden network")
	}
	if err := validator.Check(netip.MustParseAddr("2001:db8:c00d::1")); err != nil {
		t.Errorf("Check rejected an address outside forbidden networks: %v", err)
	}
}

func TestParsePrefixesRejectsGarbage(t *testing.T) {
	if _, err := netutil.ParsePrefixes([]string{"not-a-prefix"}); err == nil {
		t.Fatal("ParsePrefixes accepted garbage")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	for _, err := range []error{io.EOF, syscall.EPIPE, syscall.ECONNRESET} {
		if !netutil.IsExpectedCloseError(err) {
			t.Errorf("IsExpectedCloseError(%v) = false, want true", err)
		}
	}
	if netutil.IsExpectedCloseError(nil) {
		t.Error("IsExpectedCloseError(nil) = true")
	}
	if netutil.IsExpectedCloseError(errors.New("boom")) {
		t.Error("IsExpectedCloseError(arbitrary error) = true")
	}
}
