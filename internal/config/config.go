// Package config provides configuration loading for forged.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Precedence (highest to lowest): environment, file, defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forged/internal/logging"
)

// Config holds the complete forged configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	NATS          NATSConfig          `koanf:"nats"`
	Store         StoreConfig         `koanf:"store"`
	Generation    GenerationConfig    `koanf:"generation"`
	Logging       logging.Config      `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds telemetry configuration.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`
	Metrics     bool   `koanf:"metrics"`
}

// NATSConfig holds the optional live-event transport configuration.
// When URL is empty the daemon serves live feeds from the in-process
// event bus only.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// StoreConfig holds persistence paths.
type StoreConfig struct {
	// DatabasePath is the sqlite database for artifact metadata.
	DatabasePath string `koanf:"database_path"`
	// BlobDir holds content-addressed artifact payloads.
	BlobDir string `koanf:"blob_dir"`
}

// GenerationConfig bounds the external generation collaborator.
type GenerationConfig struct {
	StepTimeout time.Duration `koanf:"step_timeout"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.ServiceName == "" {
		return errors.New("service name is required")
	}
	if c.Store.DatabasePath == "" {
		return errors.New("store database path is required")
	}
	if c.Store.BlobDir == "" {
		return errors.New("store blob directory is required")
	}
	if c.Generation.StepTimeout <= 0 {
		return errors.New("generation step timeout must be positive")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9920
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "forged"
	}

	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = time.Second
	}

	if cfg.Store.DatabasePath == "" {
		cfg.Store.DatabasePath = "forged.db"
	}
	if cfg.Store.BlobDir == "" {
		cfg.Store.BlobDir = "blobs"
	}

	if cfg.Generation.StepTimeout == 0 {
		cfg.Generation.StepTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
