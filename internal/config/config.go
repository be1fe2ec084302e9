// Package config handles Strand configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./strand.yaml, ~/.config/strand/config.yaml, /etc/strand/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"strand.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "strand", "config.yaml"))
	}

	paths = append(paths, "/etc/strand/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Strand configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Engine   EngineConfig `yaml:"engine"`
	Stream   StreamConfig `yaml:"stream"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EngineConfig defines the remote completion engine connection.
type EngineConfig struct {
	// BaseURL is the root URL of the completion engine API.
	BaseURL string `yaml:"base_url"`
	// APIKey is the per-user credential sent on every engine call.
	APIKey string `yaml:"api_key"`
	// DefaultAgent is the agent/model identifier used for new
	// conversations that have not selected one.
	DefaultAgent string `yaml:"default_agent"`
}

// StreamConfig tunes generation streaming behavior.
type StreamConfig struct {
	// SnapshotIntervalSec is how often accumulated assistant text is
	// flushed to the store while streaming. Bounds crash data loss to
	// at most one interval's worth of text. Default 1.
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
	// KeepPartialOnStop retains the partial answer as a completed
	// message when the user cancels a generation. When false (the
	// default) the partial assistant message is deleted instead.
	KeepPartialOnStop bool `yaml:"keep_partial_on_stop"`
	// DisableTitles turns off automatic title synthesis on the first
	// exchange of a conversation.
	DisableTitles bool `yaml:"disable_titles"`
}

// SnapshotInterval returns the snapshot interval as a duration,
// applying the default when unset.
func (c StreamConfig) SnapshotInterval() time.Duration {
	if c.SnapshotIntervalSec <= 0 {
		return time.Second
	}
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8321
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

func (c *Config) validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	return nil
}
