// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Autopeer binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - AUTOPEER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override config
// values. This ensures deterministic, auditable configuration with no
// hidden overrides. The only expansion performed is ${HOME} and similar
// path variables for portability.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the Autopeer portal.
type Config struct {
	// Listen configures the SSH listener.
	Listen ListenConfig `yaml:"listen"`

	// SSH configures the SSH host identity and banner.
	SSH SSHConfig `yaml:"ssh"`

	// Control configures the operator control socket.
	Control ControlConfig `yaml:"control"`

	// Registry configures the dn42 registry checkout used for
	// authentication and authorization.
	Registry RegistryConfig `yaml:"registry"`

	// Database configures the peering store.
	Database DatabaseConfig `yaml:"database"`

	// Local describes this portal's own network identity.
	Local LocalConfig `yaml:"local"`

	// WireGuard configures tunnel parameters and generated output.
	WireGuard WireGuardConfig `yaml:"wireguard"`

	// Bird configures BGP configuration generation.
	Bird BirdConfig `yaml:"bird"`

	// ForbiddenNetworks lists CIDR prefixes that peer endpoints must
	// not fall into, in addition to the built-in private-range check.
	ForbiddenNetworks []string `yaml:"forbidden_networks"`

	// Limits bounds resource consumption.
	Limits LimitsConfig `yaml:"limits"`

	// Gaming configures the unauthenticated gaming service run by
	// autopeer-gamed.
	Gaming GamingConfig `yaml:"gaming"`
}

// ListenConfig configures the SSH listener.
type ListenConfig struct {
	// Address is the IP address to bind. Default: ::1
	Address string `yaml:"address"`

	// Port is the TCP port to listen on. Default: 4242
	Port int `yaml:"port"`
}

// SSHConfig configures the SSH host identity and banner.
type SSHConfig struct {
	// HostKeyPath is the path to the PEM-encoded SSH host private key.
	HostKeyPath string `yaml:"host_key_path"`

	// MOTDPath is the path to the message-of-the-day file shown after
	// authentication. Optional; no banner is sent when empty or when
	// the file does not exist.
	MOTDPath string `yaml:"motd_path"`
}

// ControlConfig configures the operator control socket.
type ControlConfig struct {
	// SocketPath is the Unix socket path for the control protocol.
	// Default: /run/autopeer/control.sock
	SocketPath string `yaml:"socket_path"`
}

// RegistryConfig configures the dn42 registry checkout.
type RegistryConfig struct {
	// Directory is the root of a dn42 registry checkout. Maintainer
	// objects are read from <dir>/data/mntner, aut-num objects from
	// <dir>/data/aut-num.
	Directory string `yaml:"directory"`
}

// DatabaseConfig configures the peering store.
type DatabaseConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int `yaml:"pool_size"`
}

// LocalConfig describes this portal's own network identity.
type LocalConfig struct {
	// ASN is the portal operator's autonomous system number.
	ASN uint32 `yaml:"asn"`

	// ServerName is the public endpoint address or hostname peers
	// connect their tunnels to.
	ServerName string `yaml:"server_name"`
}

// WireGuardConfig configures tunnel parameters and generated output.
type WireGuardConfig struct {
	// PublicKey is the portal's WireGuard public key, shown to peers.
	PublicKey string `yaml:"public_key"`

	// PrivateKeyPath is the path to a file holding the portal's
	// WireGuard private key, used only when generating local-side
	// configuration. Optional for the portal daemon itself.
	PrivateKeyPath string `yaml:"private_key_path"`

	// BasePort is added to a peering's slot id to derive the local
	// listen port for that tunnel. Default: 52000
	BasePort int `yaml:"base_port"`

	// LinkLocalPrefix is the IPv6 link-local prefix tunnel addresses
	// are derived from, e.g. "fe80:0263::". The local side of slot N
	// is <prefix>1:<hex(N)>, the peer side <prefix>2:<hex(N)>.
	LinkLocalPrefix string `yaml:"link_local_prefix"`

	// ConfigDir is where generated WireGuard configuration versions
	// are written.
	ConfigDir string `yaml:"config_dir"`
}

// BirdConfig configures BGP configuration generation.
type BirdConfig struct {
	// ConfigDir is where generated BIRD configuration versions are
	// written.
	ConfigDir string `yaml:"config_dir"`
}

// GamingConfig configures the unauthenticated gaming service. The
// gaming daemon shares the listen and host-key settings with the
// portal; deployments run the two services from separate config files.
type GamingConfig struct {
	// Command is the shell command each gaming session is piped to.
	// Default: advent
	Command string `yaml:"command"`

	// MOTDPath is the message-of-the-day file for gaming sessions.
	// Optional.
	MOTDPath string `yaml:"motd_path"`
}

// LimitsConfig bounds resource consumption.
type LimitsConfig struct {
	// MaxSessions caps concurrent SSH sessions. Connections beyond
	// the cap are closed before the handshake. Default: 64
	MaxSessions int `yaml:"max_sessions"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback — the
// config file is required.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "::1",
			Port:    4242,
		},
		Control: ControlConfig{
			SocketPath: "/run/autopeer/control.sock",
		},
		Database: DatabaseConfig{
			PoolSize: 4,
		},
		WireGuard: WireGuardConfig{
			BasePort: 52000,
		},
		Limits: LimitsConfig{
			MaxSessions: 64,
		},
		Gaming: GamingConfig{
			Command: "advent",
		},
	}
}

// Load loads configuration from the AUTOPEER_CONFIG environment
// variable. There are no fallbacks or defaults — if AUTOPEER_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("AUTOPEER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("AUTOPEER_CONFIG environment variable not set; " +
			"set it to the path of your autopeer.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over Default() and expanding ${HOME}-style variables in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.SSH.HostKeyPath = expandVars(c.SSH.HostKeyPath, vars)
	c.SSH.MOTDPath = expandVars(c.SSH.MOTDPath, vars)
	c.Control.SocketPath = expandVars(c.Control.SocketPath, vars)
	c.Registry.Directory = expandVars(c.Registry.Directory, vars)
	c.Database.Path = expandVars(c.Database.Path, vars)
	c.WireGuard.PrivateKeyPath = expandVars(c.WireGuard.PrivateKeyPath, vars)
	c.WireGuard.ConfigDir = expandVars(c.WireGuard.ConfigDir, vars)
	c.Bird.ConfigDir = expandVars(c.Bird.ConfigDir, vars)
	c.Gaming.MOTDPath = expandVars(c.Gaming.MOTDPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// wireguardKeyPattern matches a base64-encoded Curve25519 key: 43
// base64 characters and one padding byte.
var wireguardKeyPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{43}=$`)

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range [1, 65535]", c.Listen.Port))
	}
	if c.SSH.HostKeyPath == "" {
		errs = append(errs, fmt.Errorf("ssh.host_key_path is required"))
	}
	if c.Registry.Directory == "" {
		errs = append(errs, fmt.Errorf("registry.directory is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if c.Local.ASN == 0 {
		errs = append(errs, fmt.Errorf("local.asn is required"))
	}
	if c.Local.ServerName == "" {
		errs = append(errs, fmt.Errorf("local.server_name is required"))
	}
	if c.WireGuard.PublicKey != "" && !wireguardKeyPattern.MatchString(c.WireGuard.PublicKey) {
		errs = append(errs, fmt.Errorf("wireguard.public_key is not a valid WireGuard key"))
	}
	if c.WireGuard.BasePort < 1 || c.WireGuard.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("wireguard.base_port %d out of range [1, 65535]", c.WireGuard.BasePort))
	}
	if c.WireGuard.LinkLocalPrefix == "" {
		errs = append(errs, fmt.Errorf("wireguard.link_local_prefix is required"))
	} else if _, err := netip.ParseAddr(c.WireGuard.LinkLocalPrefix + "1:1"); err != nil {
		errs = append(errs, fmt.Errorf("wireguard.link_local_prefix %q does not form valid addresses: %w",
			c.WireGuard.LinkLocalPrefix, err))
	}
	for _, network := range c.ForbiddenNetworks {
		if _, err := netip.ParsePrefix(network); err != nil {
			errs = append(errs, fmt.Errorf("forbidden_networks entry %q: %w", network, err))
		}
	}
	if c.Limits.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("limits.max_sessions must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories generated output is written to.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.WireGuard.ConfigDir,
		c.Bird.ConfigDir,
		filepath.Dir(c.Database.Path),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
