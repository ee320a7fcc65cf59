// Package config defines the application configuration and its loader.
package config

import (
	"fmt"
	"time"

	"github.com/tandanlab/tandan/internal/pipeline"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxUploadMB     int           `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`

	// RateLimit bounds requests per client per minute; 0 disables limiting.
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins configures CORS; "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// StorageConfig holds database locations. Empty paths select the in-memory
// history store and disable accounts.
type StorageConfig struct {
	HistoryDB string `mapstructure:"history_db" yaml:"history_db"`
	UsersDB   string `mapstructure:"users_db" yaml:"users_db"`
}

// Config is the root application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose"`

	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
	Pipeline pipeline.Config `mapstructure:"pipeline" yaml:"pipeline"`
	Storage  StorageConfig   `mapstructure:"storage" yaml:"storage"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadMB:     20,
			RateLimit:       120,
			AllowedOrigins:  []string{"*"},
		},
		Pipeline: pipeline.DefaultConfig(),
		Storage: StorageConfig{
			HistoryDB: "data/history.db",
			UsersDB:   "data/users.db",
		},
	}
}

// Validate checks the configuration for invariant violations.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size %d MB", c.Server.MaxUploadMB)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit %d", c.Server.RateLimit)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout %s", c.Server.RequestTimeout)
	}
	return c.Pipeline.Validate()
}
