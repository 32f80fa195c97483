// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Pieceline.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures the transfer protocol and gateway listeners.
	Server ServerConfig `yaml:"server"`

	// Storage configures where bytes and metadata live.
	Storage StorageConfig `yaml:"storage"`

	// Ingest configures the metadata write-behind flush.
	Ingest IngestConfig `yaml:"ingest"`

	// EnvironmentOverrides contains per-environment overrides. These
	// are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Ingest  *IngestConfig  `yaml:"ingest,omitempty"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	// Listen is the transfer protocol address.
	// Default: 127.0.0.1:9160
	Listen string `yaml:"listen"`

	// GatewayListen is the HTTP gateway address. Empty disables the
	// gateway.
	// Default: 127.0.0.1:9161
	GatewayListen string `yaml:"gateway_listen"`
}

// StorageConfig configures the blob and metadata stores.
type StorageConfig struct {
	// DataDir holds the blob files, one per file id.
	// Default: ${PIECELINE_ROOT}/blobs
	DataDir string `yaml:"data_dir"`

	// MetaPath is the SQLite metadata database.
	// Default: ${PIECELINE_ROOT}/meta.db
	MetaPath string `yaml:"meta_path"`

	// PoolSize is the SQLite connection pool size.
	// Default: 4
	PoolSize int `yaml:"pool_size"`

	// MaxBytes caps the total declared size of admitted transfers.
	// Zero means no cap; the disk free check still applies.
	MaxBytes int64 `yaml:"max_bytes"`

	// ReserveFree is how much filesystem headroom an admission must
	// leave untouched.
	// Default: 1 GiB
	ReserveFree int64 `yaml:"reserve_free"`

	// HandleIdleTimeout is how long an unused blob handle stays open.
	// Default: 1m
	HandleIdleTimeout time.Duration `yaml:"handle_idle_timeout"`
}

// IngestConfig configures the metadata write-behind flush.
type IngestConfig struct {
	// FlushEveryPieces flushes completion flags after this many
	// verified pieces.
	// Default: 16
	FlushEveryPieces int `yaml:"flush_every_pieces"`

	// FlushInterval flushes completion flags at least this often
	// while pieces are pending.
	// Default: 2s
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "pieceline")

	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:        "127.0.0.1:9160",
			GatewayListen: "127.0.0.1:9161",
		},
		Storage: StorageConfig{
			DataDir:           filepath.Join(defaultRoot, "blobs"),
			MetaPath:          filepath.Join(defaultRoot, "meta.db"),
			PoolSize:          4,
			ReserveFree:       1 << 30,
			HandleIdleTimeout: time.Minute,
		},
		Ingest: IngestConfig{
			FlushEveryPieces: 16,
			FlushInterval:    2 * time.Second,
		},
	}
}

// Load loads configuration from the PIECELINE_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults - if PIECELINE_CONFIG is
// not set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("PIECELINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("PIECELINE_CONFIG environment variable not set; " +
			"set it to the path of your pieceline.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values - this ensures
// deterministic, auditable configuration. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/
	// production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the
// current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Server != nil {
		if overrides.Server.Listen != "" {
			c.Server.Listen = overrides.Server.Listen
		}
		if overrides.Server.GatewayListen != "" {
			c.Server.GatewayListen = overrides.Server.GatewayListen
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.DataDir != "" {
			c.Storage.DataDir = overrides.Storage.DataDir
		}
		if overrides.Storage.MetaPath != "" {
			c.Storage.MetaPath = overrides.Storage.MetaPath
		}
		if overrides.Storage.PoolSize != 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
		if overrides.Storage.MaxBytes != 0 {
			c.Storage.MaxBytes = overrides.Storage.MaxBytes
		}
		if overrides.Storage.ReserveFree != 0 {
			c.Storage.ReserveFree = overrides.Storage.ReserveFree
		}
		if overrides.Storage.HandleIdleTimeout != 0 {
			c.Storage.HandleIdleTimeout = overrides.Storage.HandleIdleTimeout
		}
	}

	if overrides.Ingest != nil {
		if overrides.Ingest.FlushEveryPieces != 0 {
			c.Ingest.FlushEveryPieces = overrides.Ingest.FlushEveryPieces
		}
		if overrides.Ingest.FlushInterval != 0 {
			c.Ingest.FlushInterval = overrides.Ingest.FlushInterval
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Storage.DataDir = expandVars(c.Storage.DataDir, vars)
	c.Storage.MetaPath = expandVars(c.Storage.MetaPath, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
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

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}

	if c.Storage.DataDir == "" {
		errs = append(errs, fmt.Errorf("storage.data_dir is required"))
	}
	if c.Storage.MetaPath == "" {
		errs = append(errs, fmt.Errorf("storage.meta_path is required"))
	}
	if c.Storage.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be at least 1"))
	}
	if c.Storage.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.max_bytes must not be negative"))
	}
	if c.Storage.ReserveFree < 0 {
		errs = append(errs, fmt.Errorf("storage.reserve_free must not be negative"))
	}

	if c.Ingest.FlushEveryPieces < 1 {
		errs = append(errs, fmt.Errorf("ingest.flush_every_pieces must be at least 1"))
	}
	if c.Ingest.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("ingest.flush_interval must be positive"))
	}

	return errors.Join(errs...)
}
