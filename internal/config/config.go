// Applauncherd - Application Launcher Daemon
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/applauncherd

// Package config loads daemon configuration via Koanf v2 with layered
// sources (highest priority wins):
//
//   - Environment variables (prefix APPLAUNCHERD_)
//   - Config file (applauncherd.yaml, optional)
//   - Built-in defaults
//
// Command-line flags (--boot-mode, --daemon, --debug, --systemd, --re-exec)
// are deliberately not part of this package: they are parsed by hand in
// package main because --re-exec must be known before anything else runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"applauncherd.yaml",
	"applauncherd.yml",
	"/etc/applauncherd/applauncherd.yaml",
	"/etc/applauncherd/applauncherd.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "APPLAUNCHERD_CONFIG"

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "APPLAUNCHERD_"

// Config holds all daemon configuration.
type Config struct {
	Log      LogConfig     `koanf:"log"`
	Booster  BoosterConfig `koanf:"booster"`
	Respawn  RespawnConfig `koanf:"respawn"`
	Diag     DiagConfig    `koanf:"diag"`
	Plugin   PluginConfig  `koanf:"plugin"`
	StateDir string        `koanf:"state_dir"`
}

// LogConfig controls the zerolog backend.
type LogConfig struct {
	// Level is the minimum log level.
	Level string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	// Format selects json or console output.
	Format string `koanf:"format" validate:"oneof=json console"`
	// Caller includes file:line in log records.
	Caller bool `koanf:"caller"`
}

// BoosterConfig selects the hosted booster.
type BoosterConfig struct {
	// Type is the booster type whose socket the daemon initializes.
	Type string `koanf:"type" validate:"required,alphanum"`
}

// RespawnConfig tunes replacement-booster forking.
type RespawnConfig struct {
	// Delay is the sleep a replacement booster observes before
	// initializing, in normal mode. Boot mode always uses zero.
	Delay time.Duration `koanf:"delay" validate:"min=0"`

	// RatePerMinute caps how many respawns may happen per minute before
	// the throttle starts delaying forks of crash-looping boosters.
	RatePerMinute int `koanf:"rate_per_minute" validate:"min=1"`

	// Burst is the number of immediate respawns allowed before the
	// rate cap engages.
	Burst int `koanf:"burst" validate:"min=1"`
}

// DiagConfig controls the local diagnostics endpoint.
type DiagConfig struct {
	// Enabled starts the diagnostics HTTP listener on a Unix socket in
	// the state directory.
	Enabled bool `koanf:"enabled"`
	// SocketName is the socket file name inside the state directory.
	SocketName string `koanf:"socket_name" validate:"required"`
}

// PluginConfig locates the single-instance plugin.
type PluginConfig struct {
	// SingleInstancePath is the shared object implementing the
	// single-instance entry points.
	SingleInstancePath string `koanf:"single_instance_path"`
}

// defaultConfig returns a Config with all default values. These are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Booster: BoosterConfig{
			Type: "generic",
		},
		Respawn: RespawnConfig{
			Delay:         2 * time.Second,
			RatePerMinute: 30,
			Burst:         5,
		},
		Diag: DiagConfig{
			Enabled:    false,
			SocketName: "diag.sock",
		},
		Plugin: PluginConfig{
			SingleInstancePath: "/usr/lib/applauncherd/libsingleinstance.so",
		},
		StateDir: "", // resolved from XDG_RUNTIME_DIR when empty
	}
}

// Load builds the configuration from defaults, an optional config file
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// APPLAUNCHERD_LOG_LEVEL=debug → log.level=debug. The first
	// underscore separates the section, the rest belongs to the key.
	// Top-level keys (state_dir) pass through unchanged.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if s == "state_dir" || s == "config" {
			return s
		}
		if i := strings.Index(s, "_"); i >= 0 {
			return s[:i] + "." + s[i+1:]
		}
		return s
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := new(Config)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs structural validation over a Config.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	return nil
}

// findConfigFile locates the config file, honoring the env override.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultStateDir resolves the runtime state directory: a subdirectory of
// XDG_RUNTIME_DIR, falling back to the system temp dir when the session
// has no runtime dir.
func DefaultStateDir() string {
	root := os.Getenv("XDG_RUNTIME_DIR")
	if root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, "applauncherd")
}
