// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the daemon configuration. Loaded from a YAML file named
// by --config or the HEARTH_CONFIG environment variable; individual
// flags override file values. There is no automatic discovery — a
// missing file with no flags is an error, never a silent default
// identity.
type config struct {
	// Credential is the identity credential (an email address or
	// similar unique string). Used only on first boot to derive the
	// PersonID; afterwards the keyring is authoritative.
	Credential string `yaml:"credential"`

	// Listen is the TCP address advertised to peers.
	Listen string `yaml:"listen"`

	// DataDir holds the file store and, by default, the keyring.
	DataDir string `yaml:"data_dir"`

	// KeyringPath overrides the default <data_dir>/keyring.age.
	KeyringPath string `yaml:"keyring_path"`

	// PassphraseFile names a file whose trimmed contents decrypt the
	// keyring.
	PassphraseFile string `yaml:"passphrase_file"`

	// SyncInterval is the contact reconciliation cadence.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// ScanInterval is the group discovery sweep cadence.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

func loadConfig(path string) (config, error) {
	if path == "" {
		path = os.Getenv("HEARTH_CONFIG")
	}
	var cfg config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required (config 'listen' or --listen)")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required (config 'data_dir' or --data-dir)")
	}
	if c.PassphraseFile == "" {
		return fmt.Errorf("passphrase_file is required")
	}
	return nil
}

func (c config) keyringPath() string {
	if c.KeyringPath != "" {
		return c.KeyringPath
	}
	return filepath.Join(c.DataDir, "keyring.age")
}

func (c config) syncInterval() time.Duration {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return time.Minute
}

func (c config) scanInterval() time.Duration {
	if c.ScanInterval > 0 {
		return c.ScanInterval
	}
	return 30 * time.Second
}

func (c config) logLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
