// Package config provides configuration management for the driver daemon.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (MANAPMD_* prefix)
//  3. Configuration file (yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the driver daemon.
type Config struct {
	// Device is the adapter device name to probe.
	Device string `mapstructure:"device"`

	// Role is "primary" or "secondary".
	Role string `mapstructure:"role"`

	// SocketPath is the resource message channel endpoint.
	SocketPath string `mapstructure:"socket_path"`

	// SegmentDir overrides the shared segment directory. Empty picks
	// /dev/shm when available.
	SegmentDir string `mapstructure:"segment_dir"`

	// SegmentName is the shared segment file name.
	SegmentName string `mapstructure:"segment_name"`

	Queues QueueConfig `mapstructure:"queues"`

	// MetricsAddr is the Prometheus scrape endpoint, empty to disable.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Simulated selects the in-memory hardware backend.
	Simulated bool `mapstructure:"simulated"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// QueueConfig sizes the queue layout applied at configure time.
type QueueConfig struct {
	// Count is the number of queues per direction. Must be a power of two.
	Count int `mapstructure:"count"`

	// Descriptors is the ring depth per queue.
	Descriptors uint32 `mapstructure:"descriptors"`

	// CacheEntries is the per-queue registration cache capacity.
	CacheEntries int `mapstructure:"cache_entries"`
}

// Options are command line overrides.
type Options struct {
	Device     string
	Role       string
	SocketPath string
	QueueCount int
}

// Load loads configuration from file and applies command line options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("manapmd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/manapmd")

		// Missing config file is fine, defaults apply.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("MANAPMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Device != "" {
		v.Set("device", opts.Device)
	}

	if opts.Role != "" {
		v.Set("role", opts.Role)
	}

	if opts.SocketPath != "" {
		v.Set("socket_path", opts.SocketPath)
	}

	if opts.QueueCount != 0 {
		v.Set("queues.count", opts.QueueCount)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device", "mana_0")
	v.SetDefault("role", "primary")
	v.SetDefault("socket_path", "/var/run/manapmd.sock")
	v.SetDefault("segment_name", "mana_shared_data")
	v.SetDefault("queues.count", 4)
	v.SetDefault("queues.descriptors", 1024)
	v.SetDefault("queues.cache_entries", 64)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("simulated", true)
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if c.Device == "" {
		return fmt.Errorf("device name must not be empty")
	}

	if c.Role != "primary" && c.Role != "secondary" {
		return fmt.Errorf("role must be primary or secondary, got %q", c.Role)
	}

	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}

	if c.Queues.Count <= 0 || c.Queues.Count&(c.Queues.Count-1) != 0 {
		return fmt.Errorf("queues.count must be a positive power of two, got %d", c.Queues.Count)
	}

	if c.Queues.Descriptors == 0 {
		return fmt.Errorf("queues.descriptors must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	return nil
}
