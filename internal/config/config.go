// Package config provides unified configuration loading for simcore.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SimcoreConfig contains all simcore configuration settings.
type SimcoreConfig struct {
	// Data contains the on-disk layout settings.
	Data DataConfig `json:"data" yaml:"data"`

	// Assets configures the asset server and the local bundle cache.
	Assets AssetsConfig `json:"assets" yaml:"assets"`

	// Host configures the main loop and host environment.
	Host HostConfig `json:"host" yaml:"host"`

	// Process configures the external test-case process supervisor.
	Process ProcessConfig `json:"process" yaml:"process"`

	// Connection configures the websocket status channel.
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// DataConfig configures where simcore keeps its state.
type DataConfig struct {
	// Dir is the root for the database, event log and extracted plugins.
	// Empty means ~/.simcore.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// AssetsConfig configures asset acquisition.
type AssetsConfig struct {
	// ServerURL is the base URL assets are fetched from.
	ServerURL string `json:"server_url" yaml:"server_url"`

	// Token is sent as a bearer token. Supports ${VAR} syntax for env vars.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// CacheDir holds downloaded bundles. Empty means <data>/assets.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`

	// Timeout bounds a single HTTP request. Zero disables the client timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RedactedToken returns the token with most characters masked.
func (c AssetsConfig) RedactedToken() string {
	if c.Token == "" {
		return ""
	}
	if len(c.Token) < 12 {
		return "(set)"
	}
	return c.Token[:4] + "..." + c.Token[len(c.Token)-4:]
}

// String implements fmt.Stringer to prevent accidental token logging.
func (c AssetsConfig) String() string {
	return fmt.Sprintf("AssetsConfig{ServerURL:%s, Token:%s, CacheDir:%s}",
		c.ServerURL, c.RedactedToken(), c.CacheDir)
}

// HostConfig configures the host update loop.
type HostConfig struct {
	// TickInterval is the period of the main loop that drains the action queue.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// Platform overrides the bundle platform ("windows" or "linux").
	// Empty selects the platform simcore runs on.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`

	// Offline skips UI-facing scene reloads after an error.
	Offline bool `json:"offline" yaml:"offline"`

	// RequireClients treats the host as offline while no connection manager
	// is attached to the status websocket.
	RequireClients bool `json:"require_clients" yaml:"require_clients"`
}

// ProcessConfig configures the test-case process supervisor.
type ProcessConfig struct {
	// Command is the runtime launched for templated runs.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// VolumesPath is passed to the runtime as --volumes.
	VolumesPath string `json:"volumes_path,omitempty" yaml:"volumes_path,omitempty"`

	// InternalTemplates lists template ids handled in-process; no external
	// runtime is spawned for them.
	InternalTemplates []string `json:"internal_templates,omitempty" yaml:"internal_templates,omitempty"`
}

// ConnectionConfig configures the status websocket.
type ConnectionConfig struct {
	// Addr is the listen address; empty disables the websocket hub.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// LoggingConfig configures simcore's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables event logging to <data>/events.jsonl.
	Level string `json:"level" yaml:"level"`
}

// Default returns a SimcoreConfig with sensible defaults.
func Default() *SimcoreConfig {
	return &SimcoreConfig{
		Assets: AssetsConfig{
			ServerURL: "http://localhost:8080",
			Timeout:   0,
		},
		Host: HostConfig{
			TickInterval: 16 * time.Millisecond,
		},
		Process: ProcessConfig{
			InternalTemplates: []string{"random-traffic", "manual"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.simcore/config.yaml -> environment variables
func Load() (*SimcoreConfig, error) {
	config := Default()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".simcore", "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*SimcoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Assets.Token = expandEnvVars(config.Assets.Token)
	config.Data.Dir = expandEnvVars(config.Data.Dir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *SimcoreConfig) Validate() error {
	if c.Host.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Host.TickInterval)
	}

	if c.Assets.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", c.Assets.Timeout)
	}

	validPlatforms := map[string]bool{"": true, "windows": true, "linux": true}
	if !validPlatforms[c.Host.Platform] {
		return fmt.Errorf("invalid platform: %s (valid: windows, linux, or empty)", c.Host.Platform)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// DataDir returns the resolved data directory.
func (c *SimcoreConfig) DataDir() (string, error) {
	if c.Data.Dir != "" {
		return c.Data.Dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".simcore"), nil
}

// CacheDir returns the resolved asset cache directory.
func (c *SimcoreConfig) CacheDir() (string, error) {
	if c.Assets.CacheDir != "" {
		return c.Assets.CacheDir, nil
	}
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "assets"), nil
}

// IsInternalTemplate reports whether a template id is run in-process.
func (c *SimcoreConfig) IsInternalTemplate(id string) bool {
	for _, t := range c.Process.InternalTemplates {
		if t == id {
			return true
		}
	}
	return false
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *SimcoreConfig) {
	if v := os.Getenv("SIMCORE_DATA_DIR"); v != "" {
		config.Data.Dir = v
	}

	if v := os.Getenv("SIMCORE_ASSET_URL"); v != "" {
		config.Assets.ServerURL = v
	}

	if v := os.Getenv("SIMCORE_ASSET_TOKEN"); v != "" {
		config.Assets.Token = v
	}

	if v := os.Getenv("SIMCORE_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Host.TickInterval = d
		}
	}

	if v := os.Getenv("SIMCORE_PLATFORM"); v != "" {
		config.Host.Platform = v
	}

	if v := os.Getenv("SIMCORE_OFFLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Host.Offline = b
		}
	}

	if v := os.Getenv("SIMCORE_REQUIRE_CLIENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Host.RequireClients = b
		}
	}

	if v := os.Getenv("SIMCORE_CONNECTION_ADDR"); v != "" {
		config.Connection.Addr = v
	}

	if v := os.Getenv("SIMCORE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
