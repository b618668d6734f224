// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the relay.
//
// Configuration is loaded from a single file specified by:
//   - SEALBOX_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment variables
// do not override file values; the file is the single source of truth.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay's configuration.
type Config struct {
	// Listen is the address the HTTP server binds to.
	// Default: 127.0.0.1:8420
	Listen string `yaml:"listen"`

	// Database is the path to the SQLite database file.
	// Default: sealbox.db in the working directory.
	Database string `yaml:"database"`

	// BaseURL is the public URL prefix used to build shareable links
	// returned at registration, e.g. https://relay.example.com.
	// Default: http://localhost:8420
	BaseURL string `yaml:"base_url"`

	// Challenge tunes the authentication challenge ledger.
	Challenge ChallengeConfig `yaml:"challenge"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// ChallengeConfig tunes challenge issuance. Zero values take the
// ledger's defaults.
type ChallengeConfig struct {
	// OutstandingCap is the maximum number of unused, unexpired
	// challenges one identity may hold. Default: 5
	OutstandingCap int `yaml:"outstanding_cap"`

	// Cooldown is the minimum interval between issuances for one
	// identity, e.g. "3s". Default: 3s
	Cooldown string `yaml:"cooldown"`

	// TTL is how long an issued challenge stays valid, e.g. "300s".
	// Default: 300s
	TTL string `yaml:"ttl"`
}

// CooldownDuration parses the cooldown. An empty value returns zero,
// which callers treat as the default.
func (c ChallengeConfig) CooldownDuration() (time.Duration, error) {
	return parseDuration("challenge.cooldown", c.Cooldown)
}

// TTLDuration parses the TTL. An empty value returns zero, which
// callers treat as the default.
func (c ChallengeConfig) TTLDuration() (time.Duration, error) {
	return parseDuration("challenge.ttl", c.TTL)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration, used as a base before a
// config file is merged in. Unlike most deployments of this layout the
// file itself is optional: the relay runs fine on defaults.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8420",
		Database: "sealbox.db",
		BaseURL:  "http://localhost:8420",
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the SEALBOX_CONFIG environment
// variable. If the variable is unset, the defaults are returned.
func Load() (*Config, error) {
	configPath := os.Getenv("SEALBOX_CONFIG")
	if configPath == "" {
		return Default(), nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file's values over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.Database == "" {
		errs = append(errs, fmt.Errorf("database is required"))
	}
	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}

	if c.Challenge.OutstandingCap < 0 {
		errs = append(errs, fmt.Errorf("challenge.outstanding_cap must not be negative"))
	}
	if _, err := c.Challenge.CooldownDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Challenge.TTLDuration(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
