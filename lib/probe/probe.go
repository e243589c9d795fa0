// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe shells out to the host's networking tools: measuring
// tunnel latency with ping for the BGP latency community, and
// collecting WireGuard/BIRD state for the shell's peer_status command.
// Commands run with the session context so a disconnecting client
// kills any probe still in flight.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CommandRunner executes a command and returns its combined output.
// Injected by tests; production uses the real runner.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// runCommand is the production CommandRunner. The output is returned
// even when the command exits non-zero: ping reports packet loss
// through its exit status but the partial statistics are still useful.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(output), err
}

// Prober measures peer reachability and collects peering state.
type Prober struct {
	// Runner executes external commands. Defaults to the real runner.
	Runner CommandRunner

	// Logger receives probe failures. If nil, a no-op logger is used.
	Logger *slog.Logger
}

func (p *Prober) run(ctx context.Context, name string, args ...string) (string, error) {
	runner := p.Runner
	if runner == nil {
		runner = runCommand
	}
	return runner(ctx, name, args...)
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}

// averagePattern extracts the avg field from ping's summary line:
// "rtt min/avg/max/mdev = 20.923/21.548/21.947/0.388 ms".
var averagePattern = regexp.MustCompile(`min/avg/max/mdev = \d+\.\d+/(\d+\.\d+)/\d+\.\d+/\d+\.\d+`)

// parseAverageLatency pulls the average round-trip time in
// milliseconds out of ping output.
func parseAverageLatency(output string) (float64, bool) {
	match := averagePattern.FindStringSubmatch(output)
	if match == nil {
		return 0, false
	}
	average, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}
	return average, true
}

// AverageLatency pings the host four times and returns the average
// round-trip time in milliseconds. Returns an error when the host is
// unreachable or the output has no statistics line.
func (p *Prober) AverageLatency(ctx context.Context, host string) (float64, error) {
	output, err := p.run(ctx, "ping", "-c", "4", host)
	if average, ok := parseAverageLatency(output); ok {
		return average, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe: pinging %s: %w", host, err)
	}
	return 0, fmt.Errorf("probe: no latency statistics for %s", host)
}

// communityUnknown is reported when latency cannot be measured.
const communityUnknown = 9

// latencyThresholds maps latency in milliseconds to dn42 BGP latency
// community values 1..8; anything slower is 9. Values from
// https://dn42.eu/howto/BGP-communities.
var latencyThresholds = []float64{2.7, 7.3, 20, 55, 148, 403, 1097, 2981}

// Community maps an average latency in milliseconds to the dn42
// latency community value (1 to 9).
func Community(latency float64) int {
	for i, threshold := range latencyThresholds {
		if latency <= threshold {
			return i + 1
		}
	}
	return communityUnknown
}

// LatencyCommunity measures the latency to host and maps it to a
// community value. Measurement failure maps to the worst community
// rather than an error; config generation must not stall on an
// unreachable peer.
func (p *Prober) LatencyCommunity(ctx context.Context, host string) int {
	latency, err := p.AverageLatency(ctx, host)
	if err != nil {
		p.logger().Warn("latency probe failed", "host", host, "error", err)
		return communityUnknown
	}
	return Community(latency)
}

// PeerStatus collects the generator timer, WireGuard interface, and
// BIRD session state for the AS number, formatted as an annotated
// command transcript. Command failures are rendered into the
// transcript instead of aborting; a peering with a down tunnel is
// exactly when peer_status gets used.
func (p *Prober) PeerStatus(ctx context.Context, asn uint32) string {
	var transcript strings.Builder

	sections := []struct {
		comment string
		command []string
	}{
		{"# Configuration generator timer", []string{"systemctl", "list-timers", "autopeer-genconfig"}},
		{"# Wireguard interface", []string{"sudo", "wg", "show", fmt.Sprintf("wg-as%d", asn)}},
		{"# Bird BGP session", []string{"sudo", "birdc", "show", "protocols", "all", fmt.Sprintf("ebgp_as%d_v6", asn)}},
	}

	for i, section := range sections {
		if i > 0 {
			transcript.WriteString("\n")
		}
		output, err := p.run(ctx, section.command[0], section.command[1:]...)
		if err != nil {
			p.logger().Warn("status probe failed",
				"asn", asn,
				"command", strings.Join(section.command, " "),
				"error", err,
			)
		}
		transcript.WriteString("$ " + section.comment + "\n")
		transcript.WriteString("$ " + strings.Join(section.command, " ") + "\n")
		transcript.WriteString(output)
	}

	return transcript.String()
}
