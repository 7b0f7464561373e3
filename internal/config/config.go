// Package config handles Harbor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/harbor/config.yaml, /etc/harbor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "harbor", "config.yaml"))
	}

	paths = append(paths, "/etc/harbor/config.yaml")
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

// Config holds all Harbor configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	Model     ModelConfig     `yaml:"model"`
	Autopilot AutopilotConfig `yaml:"autopilot"`
	Store     StoreConfig     `yaml:"store"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig defines the sqlite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig defines the chat-completions endpoint the agent uses.
type ModelConfig struct {
	// BaseURL points at any OpenAI-compatible endpoint. Empty means
	// the OpenAI API.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates against the endpoint. Supports
	// ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`
	// Name is the model to request, e.g. gpt-4o-mini.
	Name string `yaml:"name"`
	// MaxTokens caps output tokens per call (default 4096).
	MaxTokens int `yaml:"max_tokens"`
	// TimeoutSec is the per-call deadline in seconds (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
}

// AutopilotConfig defines the unattended agent's scheduling.
type AutopilotConfig struct {
	// Enabled turns the server-side scheduler on.
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression; default "@every 5m".
	Schedule string `yaml:"schedule"`
}

// StoreConfig names the public storefront used for product links in
// outbound email.
type StoreConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: DatabaseConfig{Path: "harbor.db"},
		Model: ModelConfig{
			Name:       "gpt-4o-mini",
			MaxTokens:  4096,
			TimeoutSec: 120,
		},
		Autopilot: AutopilotConfig{Schedule: "@every 5m"},
		Store:     StoreConfig{Name: "My Store", BaseURL: "https://shop.example.com"},
	}
}
