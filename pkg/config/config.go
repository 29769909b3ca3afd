// Package config holds the enrollment authority's runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the authority's full runtime configuration, populated from
// CLI flags by cmd/enrolld and optionally overlaid from a YAML file.
type Config struct {
	// ListenAddr is the TCP address the TLS Listener binds.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the BoltDB entity database, the CA material, and the
	// client.keys-equivalent credential files.
	DataDir string `yaml:"data_dir"`

	// ClusterID seeds the at-rest encryption key for CA material.
	ClusterID string `yaml:"cluster_id"`

	// Role is this node's role: "primary" or "follower".
	Role string `yaml:"role"`

	// PrimaryAddr is the primary's cluster RPC address. Required when
	// Role is "follower".
	PrimaryAddr string `yaml:"primary_addr"`

	// FollowerAddr is a follower's integrity-sync RPC address, dialed by
	// the primary so the Integrity Synchronizer runs symmetrically on
	// both sides of the pair. Optional: a primary with no FollowerAddr
	// configured simply runs without a sync peer.
	FollowerAddr string `yaml:"follower_addr"`

	// RequireClientCert enables mTLS client-certificate verification on
	// the TLS Listener.
	RequireClientCert bool `yaml:"require_client_cert"`

	// UseSourceIP is loaded from the config file and defaults to true,
	// but no component reads it: a request without an IP field is
	// recorded as "any" whatever its value.
	UseSourceIP bool `yaml:"use_source_ip"`

	// ForceInsertMinAge is the minimum antiquity of an existing record
	// before a duplicate enrollment is allowed to supersede it.
	ForceInsertMinAge time.Duration `yaml:"force_insert_min_age"`

	// CompatDoubleErrorReply restores the legacy double-send-on-error
	// wire behavior for operators who depend on it. Defaults to false.
	CompatDoubleErrorReply bool `yaml:"compat_double_error_reply"`

	// SharedPassword, when non-empty, requires every enrollment request
	// to carry a matching "OSSEC PASS:" line. Empty disables the check.
	SharedPassword string `yaml:"shared_password"`

	// GroupsDir is the shared-config tree each group named in a request
	// must have a subdirectory under, proving the group actually exists.
	// Empty disables the check (any syntactically valid group name is
	// accepted). Defaults to DataDir/shared when unset at startup.
	GroupsDir string `yaml:"groups_dir"`

	// MaxAgents caps the number of non-tombstoned credentials the
	// KeyStore will hold. Zero means unlimited.
	MaxAgents int `yaml:"max_agents"`

	// MaxTagCounter bounds how many "name2", "name3", ... suffixes the
	// KeyStore will try before rejecting a colliding agent name.
	MaxTagCounter int `yaml:"max_tag_counter"`

	// MaxGroupsPerMultigroup bounds how many groups a single enrollment
	// request may name.
	MaxGroupsPerMultigroup int `yaml:"max_groups_per_multigroup"`

	// SyncInitialInterval is the integrity synchronizer's starting
	// inter-round delay.
	SyncInitialInterval time.Duration `yaml:"sync_initial_interval"`

	// SyncMaxInterval caps the exponential back-off applied between
	// integrity synchronizer rounds.
	SyncMaxInterval time.Duration `yaml:"sync_max_interval"`

	// SyncResponseTimeout bounds how long a sync round waits for a
	// further checksum_fail/no_data response to arrive before treating
	// the round as settled.
	SyncResponseTimeout time.Duration `yaml:"sync_response_timeout"`

	// AdminAddr is the HTTP address for /health, /ready and /metrics.
	AdminAddr string `yaml:"admin_addr"`

	// LogLevel and LogJSON configure pkg/log.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config with the authority's defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:             ":1515",
		DataDir:                "/var/lib/enrolld",
		Role:                   "primary",
		UseSourceIP:            true,
		ForceInsertMinAge:      24 * time.Hour,
		MaxTagCounter:          10,
		MaxGroupsPerMultigroup: 256,
		SyncInitialInterval:    10 * time.Second,
		SyncMaxInterval:        10 * time.Minute,
		SyncResponseTimeout:    3 * time.Second,
		AdminAddr:              ":9090",
		LogLevel:               "info",
	}
}

// LoadFile overlays cfg with values from a YAML file at path. Fields
// absent from the file keep their current values, so defaults survive a
// partial config file; a field the file sets, even to a zero value,
// overwrites them.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Role {
	case "primary":
	case "follower":
		if c.PrimaryAddr == "" {
			return fmt.Errorf("primary_addr is required when role is follower")
		}
	default:
		return fmt.Errorf("role must be \"primary\" or \"follower\", got %q", c.Role)
	}
	if c.SyncMaxInterval < c.SyncInitialInterval {
		return fmt.Errorf("sync_max_interval must be >= sync_initial_interval")
	}
	if c.SyncResponseTimeout <= 0 {
		return fmt.Errorf("sync_response_timeout must be > 0")
	}
	if c.MaxAgents < 0 {
		return fmt.Errorf("max_agents must be >= 0")
	}
	if c.MaxTagCounter < 1 {
		return fmt.Errorf("max_tag_counter must be >= 1")
	}
	if c.MaxGroupsPerMultigroup < 1 {
		return fmt.Errorf("max_groups_per_multigroup must be >= 1")
	}
	return nil
}

// IsFollower reports whether this node runs the Follower Forwarder path.
func (c *Config) IsFollower() bool {
	return c.Role == "follower"
}
