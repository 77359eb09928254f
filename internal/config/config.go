// Package config handles configuration loading and validation for vaultmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

// NotifyConfig holds configuration for owner notifications.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // POST lifecycle events here (optional)
}

// Config holds configuration for a vault server.
type Config struct {
	Listen       string       `yaml:"listen"`        // HTTP listen address
	PublicURL    string       `yaml:"public_url"`    // base URL used in download links
	DataDir      string       `yaml:"data_dir"`      // objects and ledger live here
	AuthToken    string       `yaml:"auth_token"`    // bearer token for mutating routes (optional)
	Shards       int          `yaml:"shards"`        // number of storage shards
	ShardLimit   string       `yaml:"shard_limit"`   // per-shard capacity, e.g. "1000MB"
	TTLMinutes   int          `yaml:"ttl_minutes"`   // object time-to-live
	PollInterval string       `yaml:"poll_interval"` // reaper wake period, e.g. "60s"
	Compress     bool         `yaml:"compress"`      // zstd-compress objects at rest
	Notify       NotifyConfig `yaml:"notify"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads vault configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/vaultmesh"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://localhost:8420"
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.Shards == 0 {
		c.Shards = 2
	}
	if c.ShardLimit == "" {
		c.ShardLimit = "1000MB"
	}
	if c.TTLMinutes == 0 {
		c.TTLMinutes = 20
	}
	if c.PollInterval == "" {
		c.PollInterval = "60s"
	}
}

// Validate checks the config for values that cannot work.
func (c *Config) Validate() error {
	if c.Shards < 1 {
		return fmt.Errorf("shards must be at least 1, got %d", c.Shards)
	}
	if c.TTLMinutes < 1 {
		return fmt.Errorf("ttl_minutes must be at least 1, got %d", c.TTLMinutes)
	}
	if _, err := bytesize.Parse(c.ShardLimit); err != nil {
		return fmt.Errorf("shard_limit: %w", err)
	}
	if _, err := time.ParseDuration(c.PollInterval); err != nil {
		return fmt.Errorf("poll_interval: %w", err)
	}
	return nil
}

// ShardLimitMB returns the per-shard capacity limit in megabytes.
func (c *Config) ShardLimitMB() float64 {
	return bytesize.ToMB(bytesize.MustParse(c.ShardLimit))
}

// TTL returns the object time-to-live.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Poll returns the reaper wake period.
func (c *Config) Poll() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// LedgerPath returns the path of the shared quota ledger file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.json")
}
