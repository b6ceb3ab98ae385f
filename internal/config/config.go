// Package config loads and persists Candor client configuration.
//
// Configuration is resolved in the same order as the desktop app:
//  1. an explicit --config path (YAML or JSON)
//  2. ~/.candorrc (YAML), merged over
//  3. settings.json in the Candor data directory
//
// Values absent everywhere fall back to built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/candorlabs/candor/internal/appdir"
	"github.com/candorlabs/candor/internal/fileutil"
)

// RCFileName is the optional per-user rc file looked up in the home directory.
const RCFileName = ".candorrc"

// Config is the resolved client configuration.
type Config struct {
	// Server addresses the Candor backend.
	Server ServerConfig `json:"server" yaml:"server"`
	// Realtime tunes the push channel (heartbeats, reconnect backoff).
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
	// Stream tunes the token stream (idle timeout).
	Stream StreamConfig `json:"stream" yaml:"stream"`
	// Tabs tunes cross-tab coordination (registration heartbeat, leader timeout).
	Tabs TabsConfig `json:"tabs" yaml:"tabs"`
	// AlertRules are CEL expressions selecting which push events raise alerts.
	AlertRules []string `json:"alert_rules,omitempty" yaml:"alert_rules,omitempty"`
	// Logging configures log output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig addresses the backend.
type ServerConfig struct {
	// URL is the backend base URL, e.g. "https://candor.example.com".
	URL string `json:"url" yaml:"url"`
	// APIPrefix is prepended to every API path. Default: "/api".
	APIPrefix string `json:"api_prefix,omitempty" yaml:"api_prefix,omitempty"`
	// TokenEnv names an environment variable holding the bearer token.
	// When empty the token is read from the OS credential store.
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env,omitempty"`
}

// RealtimeConfig tunes the push channel. Durations are in seconds so the
// JSON/YAML stays hand-editable.
type RealtimeConfig struct {
	// HeartbeatSeconds is the keepalive interval. Default: 25.
	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty" yaml:"heartbeat_seconds,omitempty"`
	// MissedHeartbeats is how many silent intervals force a reconnect. Default: 2.
	MissedHeartbeats int `json:"missed_heartbeats,omitempty" yaml:"missed_heartbeats,omitempty"`
	// BackoffBaseMS is the first retry delay in milliseconds. Default: 1000.
	BackoffBaseMS int `json:"backoff_base_ms,omitempty" yaml:"backoff_base_ms,omitempty"`
	// BackoffCapSeconds bounds the retry delay. Default: 30.
	BackoffCapSeconds int `json:"backoff_cap_seconds,omitempty" yaml:"backoff_cap_seconds,omitempty"`
	// MaxAttempts is the retry ceiling before the channel is marked failed.
	// Default: 10.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// StreamConfig tunes token streams.
type StreamConfig struct {
	// IdleTimeoutSeconds aborts a stream with no activity. Default: 60.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds,omitempty" yaml:"idle_timeout_seconds,omitempty"`
}

// TabsConfig tunes cross-tab coordination.
type TabsConfig struct {
	// HeartbeatSeconds is how often a tab refreshes its registry record.
	// Must be shorter than LeaderTimeoutSeconds. Default: 5.
	HeartbeatSeconds int `json:"heartbeat_seconds,omitempty" yaml:"heartbeat_seconds,omitempty"`
	// LeaderTimeoutSeconds is how long a silent tab stays in the quorum.
	// Default: 15.
	LeaderTimeoutSeconds int `json:"leader_timeout_seconds,omitempty" yaml:"leader_timeout_seconds,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string   `json:"level,omitempty" yaml:"level,omitempty"`
	File       string   `json:"file,omitempty" yaml:"file,omitempty"`
	JSON       bool     `json:"json,omitempty" yaml:"json,omitempty"`
	Components []string `json:"components,omitempty" yaml:"components,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:       "http://localhost:8080",
			APIPrefix: "/api",
		},
		Realtime: RealtimeConfig{
			HeartbeatSeconds:  25,
			MissedHeartbeats:  2,
			BackoffBaseMS:     1000,
			BackoffCapSeconds: 30,
			MaxAttempts:       10,
		},
		Stream: StreamConfig{
			IdleTimeoutSeconds: 60,
		},
		Tabs: TabsConfig{
			HeartbeatSeconds:     5,
			LeaderTimeoutSeconds: 15,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// HeartbeatInterval returns the push-channel keepalive interval.
func (c *RealtimeConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 25 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (c *RealtimeConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMS <= 0 {
		return time.Second
	}
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the retry delay bound.
func (c *RealtimeConfig) BackoffCap() time.Duration {
	if c.BackoffCapSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// IdleTimeout returns the stream idle timeout.
func (c *StreamConfig) IdleTimeout() time.Duration {
	if c.IdleTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the tab registry heartbeat interval.
func (c *TabsConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// LeaderTimeout returns the window after which a silent tab leaves the quorum.
func (c *TabsConfig) LeaderTimeout() time.Duration {
	if c.LeaderTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.LeaderTimeoutSeconds) * time.Second
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.url must start with http:// or https://")
	}
	if c.Tabs.HeartbeatInterval() >= c.Tabs.LeaderTimeout() {
		return fmt.Errorf("tabs.heartbeat_seconds (%d) must be shorter than tabs.leader_timeout_seconds (%d)",
			c.Tabs.HeartbeatSeconds, c.Tabs.LeaderTimeoutSeconds)
	}
	return nil
}

// Load reads a configuration file. YAML and JSON are both accepted; the
// format is chosen by extension, defaulting to YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if strings.HasSuffix(path, ".json") {
		if err := fileutil.ReadJSON(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSettings resolves configuration from the standard hierarchy:
// settings.json in the data directory, with ~/.candorrc merged over it.
// Missing files are not an error; defaults fill the gaps.
func LoadSettings() (*Config, error) {
	cfg := Default()

	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return nil, err
	}
	if err := fileutil.ReadJSON(settingsPath, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	rcPath, err := rcFilePath()
	if err == nil {
		if data, err := os.ReadFile(rcPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", rcPath, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists the configuration as settings.json in the data directory.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := appdir.SettingsPath()
	if err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(path, cfg, 0644)
}

func rcFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, RCFileName), nil
}

// BearerToken resolves the bearer token for this configuration. The
// environment variable named by server.token_env wins; otherwise the OS
// credential store is consulted by the caller (internal/secrets).
func (c *Config) BearerToken() (string, bool) {
	if c.Server.TokenEnv != "" {
		if v := os.Getenv(c.Server.TokenEnv); v != "" {
			return v, true
		}
	}
	return "", false
}
