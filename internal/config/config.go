package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for the container server.
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`

	// Devices is the root path under which each drive directory
	// lives.
	Devices string `mapstructure:"devices"`

	// MountCheck requires each drive to be a mounted filesystem
	// before any DB access.
	MountCheck bool `mapstructure:"mount_check"`

	// Account updater timeouts: NodeTimeout (seconds) bounds reading
	// the account service response, ConnTimeout (seconds) bounds the
	// TCP connect.
	NodeTimeout int     `mapstructure:"node_timeout"`
	ConnTimeout float64 `mapstructure:"conn_timeout"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig defines metrics configuration.
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"`
}

// Load loads configuration from flags, an optional config file, and
// CONTAINERSERVER_* environment variables.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CONTAINERSERVER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":6001")
	v.SetDefault("log_level", "info")

	v.SetDefault("devices", "/srv/node/")
	v.SetDefault("mount_check", true)

	v.SetDefault("node_timeout", 3)
	v.SetDefault("conn_timeout", 0.5)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 30)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":       "listen",
		"devices":      "devices",
		"mount-check":  "mount_check",
		"node-timeout": "node_timeout",
		"conn-timeout": "conn_timeout",
		"log-level":    "log_level",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.Devices == "" {
		return fmt.Errorf("devices is required: specify via --devices flag, config file, or CONTAINERSERVER_DEVICES environment variable")
	}
	if fi, err := os.Stat(cfg.Devices); err != nil || !fi.IsDir() {
		return fmt.Errorf("devices root %s is not a directory", cfg.Devices)
	}
	if cfg.NodeTimeout <= 0 {
		return fmt.Errorf("node_timeout must be positive")
	}
	if cfg.ConnTimeout <= 0 {
		return fmt.Errorf("conn_timeout must be positive")
	}
	return nil
}
