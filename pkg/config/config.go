// Package config loads pgfrontend's runtime configuration, following the
// same viper-based shape as the retrieval pack's riftdata/rift config
// package: typed sections with mapstructure tags, a DefaultConfig, a Load
// that layers file/env/default sources, and a Validate pass.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level pgfrontend configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Backend BackendConfig `mapstructure:"backend"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig mirrors pkg/server.Config's bind policy fields.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	AllowRemote bool   `mapstructure:"allow_remote"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

// AuthConfig selects trust or MD5-password authentication.
type AuthConfig struct {
	// Mode is "trust" or "md5". Default "trust".
	Mode string `mapstructure:"mode"`

	// PasswordFile holds "user:password" lines, one per user, consulted
	// when Mode is "md5". Hot-reloaded by pkg/config.PasswordWatcher.
	PasswordFile string `mapstructure:"password_file"`
}

// BackendConfig selects and configures a reference backend.
type BackendConfig struct {
	// Kind is one of "sqlite", "pgx", "pq".
	Kind string `mapstructure:"kind"`
	// DSN is the backend's connection string (file path for sqlite, a
	// postgres:// URL for pgx/pq).
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns pgfrontend's out-of-the-box settings: loopback-only
// trust auth against an in-process sqlite backend.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5433,
		},
		Auth: AuthConfig{
			Mode: "trust",
		},
		Backend: BackendConfig{
			Kind: "sqlite",
			DSN:  ":memory:",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from configPath (if non-empty) or the default
// search locations, overlaying environment variables prefixed PGFRONTEND_
// and falling back to DefaultConfig's values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.allow_remote", defaults.Server.AllowRemote)
	v.SetDefault("auth.mode", defaults.Auth.Mode)
	v.SetDefault("backend.kind", defaults.Backend.Kind)
	v.SetDefault("backend.dsn", defaults.Backend.DSN)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pgfrontend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pgfrontend")
	}

	v.SetEnvPrefix("pgfrontend")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields are present and consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port is required")
	}
	switch c.Auth.Mode {
	case "trust":
	case "md5":
		if c.Auth.PasswordFile == "" {
			return fmt.Errorf("auth.password_file is required when auth.mode is md5")
		}
	default:
		return fmt.Errorf("auth.mode must be \"trust\" or \"md5\", got %q", c.Auth.Mode)
	}
	switch c.Backend.Kind {
	case "sqlite", "pgx", "pq":
	default:
		return fmt.Errorf("backend.kind must be one of sqlite, pgx, pq, got %q", c.Backend.Kind)
	}
	return nil
}
