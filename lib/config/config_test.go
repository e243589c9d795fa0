// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autopeer-foundation/autopeer/lib/config"
)

// writeConfig writes a config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopeer.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
listen:
  address: "::1"
  port: 4242
ssh:
  host_key_path: /etc/autopeer/host_key
registry:
  directory: /var/lib/dn42/registry
database:
  path: /var/lib/autopeer/peering.db
local:
  asn: 4242420263
  server_name: nl-ams2.example.net
wireguard:
  public_key: "rj0SORruOE/hGVJ5IkDXNedsL9Nxs8j0kTujRB01XXk="
  link_local_prefix: "fe80:263::"
`

func TestLoadFileValid(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Local.ASN != 4242420263 {
		t.Errorf("Local.ASN = %d, want 4242420263", cfg.Local.ASN)
	}
	if cfg.WireGuard.BasePort != 52000 {
		t.Errorf("WireGuard.BasePort = %d, want default 52000", cfg.WireGuard.BasePort)
	}
	if cfg.Limits.MaxSessions != 64 {
		t.Errorf("Limits.MaxSessions = %d, want default 64", cfg.Limits.MaxSessions)
	}
	if cfg.Gaming.Command != "advent" {
		t.Errorf("Gaming.Command = %q, want default %q", cfg.Gaming.Command, "advent")
	}
}

func TestGamingSectionOverridesDefaults(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, validConfig+`
gaming:
  command: "nethack"
  motd_path: /etc/autopeer/motd_gaming
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Gaming.Command != "nethack" {
		t.Errorf("Gaming.Command = %q, want %q", cfg.Gaming.Command, "nethack")
	}
	if cfg.Gaming.MOTDPath != "/etc/autopeer/motd_gaming" {
		t.Errorf("Gaming.MOTDPath = %q, want %q", cfg.Gaming.MOTDPath, "/etc/autopeer/motd_gaming")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an empty config")
	}

	for _, want := range []string{
		"listen.port",
		"ssh.host_key_path",
		"registry.directory",
		"database.path",
		"local.asn",
		"link_local_prefix",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateRejectsMalformedForbiddenNetwork(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, validConfig+`
forbidden_networks:
  - "not-a-prefix"
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a malformed forbidden network")
	}
}

func TestValidateRejectsBadWireGuardKey(t *testing.T) {
	cfg, err := config.LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.WireGuard.PublicKey = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a malformed WireGuard key")
	}
}

func TestExpandsHomeVariable(t *testing.T) {
	t.Setenv("HOME", "/home/operator")
	cfg, err := config.LoadFile(writeConfig(t, validConfig+`
bird:
  config_dir: "${HOME}/bird"
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Bird.ConfigDir != "/home/operator/bird" {
		t.Errorf("Bird.ConfigDir = %q, want /home/operator/bird", cfg.Bird.ConfigDir)
	}
}

func TestLoadWithoutEnvFails(t *testing.T) {
	t.Setenv("AUTOPEER_CONFIG", "")
	if _, err := config.Load(); err == nil {
		t.Fatal("Load succeeded without AUTOPEER_CONFIG")
	}
}
