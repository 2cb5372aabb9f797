// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for skiff.
//
// Supports both TOML and JSON formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.skiff/config.toml
//   - ~/.skiff/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/skiff/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete skiff configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// DefaultConnection is the connection ID to auto-connect on startup.
	// Empty means start disconnected.
	DefaultConnection string `toml:"default_connection" json:"default_connection"`

	Connection ConnectionConfig `toml:"connection" json:"connection"`
	Stream     StreamConfig     `toml:"stream" json:"stream"`
	Storage    StorageConfig    `toml:"storage" json:"storage"`
	Log        LogConfig        `toml:"log" json:"log"`
	UI         UIConfig         `toml:"ui" json:"ui"`
}

// ConnectionConfig tunes connection monitoring.
type ConnectionConfig struct {
	// HealthIntervalSecs is the period between liveness probes.
	HealthIntervalSecs int `toml:"health_interval_secs" json:"health_interval_secs"`
	// ProbeTimeoutSecs bounds each liveness probe.
	ProbeTimeoutSecs int `toml:"probe_timeout_secs" json:"probe_timeout_secs"`
	// DegradeThreshold is how many consecutive probe failures mark the
	// connection degraded.
	DegradeThreshold int `toml:"degrade_threshold" json:"degrade_threshold"`
	// ReconnectCapSecs caps the reconnect backoff delay.
	ReconnectCapSecs int `toml:"reconnect_cap_secs" json:"reconnect_cap_secs"`
}

// StreamConfig tunes message streaming.
type StreamConfig struct {
	// HeartbeatTimeoutSecs is how long the feed may stay silent before
	// the stream is treated as lost.
	HeartbeatTimeoutSecs int `toml:"heartbeat_timeout_secs" json:"heartbeat_timeout_secs"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	// DBPath is the SQLite database path (empty = ~/.skiff/skiff.db).
	DBPath string `toml:"db_path" json:"db_path"`
	// KeyringPath is the encrypted credential file (empty = ~/.skiff/keyring.dat).
	KeyringPath string `toml:"keyring_path" json:"keyring_path"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	// Level is one of: trace, debug, info, warn, error.
	Level string `toml:"level" json:"level"`
	// File is the log destination (empty = ~/.skiff/skiff.log).
	File string `toml:"file" json:"file"`
	// Pretty switches to human-readable console output.
	Pretty bool `toml:"pretty" json:"pretty"`
}

// UIConfig contains display configuration.
type UIConfig struct {
	// Theme is the color theme name: "dark", "light", or "plain".
	Theme string `toml:"theme" json:"theme"`
	// Timestamps shows per-message timestamps in history output.
	Timestamps bool `toml:"timestamps" json:"timestamps"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Connection: ConnectionConfig{
			HealthIntervalSecs: 15,
			ProbeTimeoutSecs:   5,
			DegradeThreshold:   3,
			ReconnectCapSecs:   60,
		},
		Stream: StreamConfig{
			HeartbeatTimeoutSecs: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		UI: UIConfig{
			Theme: "dark",
		},
	}
}

// HealthInterval returns the probe period as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Connection.HealthIntervalSecs) * time.Second
}

// ProbeTimeout returns the probe bound as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Connection.ProbeTimeoutSecs) * time.Second
}

// ReconnectCap returns the backoff cap as a duration.
func (c *Config) ReconnectCap() time.Duration {
	return time.Duration(c.Connection.ReconnectCapSecs) * time.Second
}

// HeartbeatTimeout returns the stream inactivity bound as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Stream.HeartbeatTimeoutSecs) * time.Second
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the skiff configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".skiff"), nil
}

// PathTOML returns the path to the TOML config file.
func PathTOML() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// PathJSON returns the path to the JSON config file.
func PathJSON() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureDir ensures the config directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions fixes overly permissive config files. Config
// may reference credential storage paths, so it stays owner-only.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s). Tries TOML first,
// then JSON, falling back to defaults. Environment overrides apply last.
func Load() (*Config, error) {
	if tomlPath, err := PathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}
	if jsonPath, err := PathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file with full
// validation. JSON when the path ends in .json, TOML otherwise.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read JSON config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills any missing values with defaults.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Connection.HealthIntervalSecs <= 0 {
		c.Connection.HealthIntervalSecs = d.Connection.HealthIntervalSecs
	}
	if c.Connection.ProbeTimeoutSecs <= 0 {
		c.Connection.ProbeTimeoutSecs = d.Connection.ProbeTimeoutSecs
	}
	if c.Connection.DegradeThreshold <= 0 {
		c.Connection.DegradeThreshold = d.Connection.DegradeThreshold
	}
	if c.Connection.ReconnectCapSecs <= 0 {
		c.Connection.ReconnectCapSecs = d.Connection.ReconnectCapSecs
	}
	if c.Stream.HeartbeatTimeoutSecs <= 0 {
		c.Stream.HeartbeatTimeoutSecs = d.Stream.HeartbeatTimeoutSecs
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies SKIFF_* environment variables on top of the
// loaded values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SKIFF_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SKIFF_LOG_PRETTY"); v != "" {
		c.Log.Pretty = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SKIFF_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("SKIFF_KEYRING_PATH"); v != "" {
		c.Storage.KeyringPath = v
	}
	if v := os.Getenv("SKIFF_DEFAULT_CONNECTION"); v != "" {
		c.DefaultConnection = v
	}
	if v := os.Getenv("SKIFF_HEALTH_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Connection.HealthIntervalSecs = n
		}
	}
	if v := os.Getenv("SKIFF_HEARTBEAT_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Stream.HeartbeatTimeoutSecs = n
		}
	}
	if v := os.Getenv("SKIFF_THEME"); v != "" {
		c.UI.Theme = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

var validThemes = map[string]bool{
	"dark": true, "light": true, "plain": true,
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}
	if !validThemes[c.UI.Theme] {
		return fmt.Errorf("ui.theme %q is not one of dark, light, plain", c.UI.Theme)
	}
	if c.Connection.ProbeTimeoutSecs >= c.Connection.HealthIntervalSecs {
		return fmt.Errorf("connection.probe_timeout_secs (%d) must be below health_interval_secs (%d)",
			c.Connection.ProbeTimeoutSecs, c.Connection.HealthIntervalSecs)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := PathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration as TOML with owner-only
// permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf strings.Builder
	buf.WriteString("# skiff configuration file\n")
	buf.WriteString("# Generated by skiff - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration as JSON, atomically and with
// owner-only permissions.
func SaveJSON(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// GLOBAL ACCESS
// =============================================================================

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Global returns the process-wide configuration, loading it on first
// use. Falls back to defaults if loading fails.
func Global() *Config {
	globalMu.RLock()
	if globalCfg != nil {
		defer globalMu.RUnlock()
		return globalCfg
	}
	globalMu.RUnlock()

	cfg, err := Load()
	if err != nil {
		cfg = Default()
	}
	SetGlobal(cfg)
	return cfg
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	globalCfg = cfg
	globalMu.Unlock()
}

// ResetGlobalForTesting clears the cached global configuration.
func ResetGlobalForTesting() {
	globalMu.Lock()
	globalCfg = nil
	globalMu.Unlock()
}
