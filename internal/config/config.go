// Package config loads Crystal's runtime configuration: fetch politeness and
// concurrency settings, the session-fresh cache, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fetch FetchConfig `yaml:"fetch"`
	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

// FetchConfig controls the download pipeline and scheduler politeness.
type FetchConfig struct {
	UserAgent string `yaml:"user_agent"`
	// PolitenessDelay is the minimum interval between the starts of
	// successive top-level (non-embed, non-interactive) resource downloads
	// per project (§4.3), whatever their content type; it does not space
	// their completions. Tests may set this to 0.
	PolitenessDelay time.Duration `yaml:"politeness_delay"`
	// MaxRate is the maximum aggregate items/sec across all fetches.
	MaxRate float64 `yaml:"max_rate"`
	// MaxConcurrentFetches bounds the network worker pool (N in §4.3).
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
	// ConnectTimeout is the time allowed to first byte.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StallTimeout aborts a transfer that makes no progress for this long.
	StallTimeout time.Duration `yaml:"stall_timeout"`
	// SessionFreshEnabled toggles the "assume fresh this session" cache
	// short-circuit.
	SessionFreshEnabled bool `yaml:"session_fresh_enabled"`
	// SessionFreshWindow is how long a Resource is considered fresh after
	// a successful download this session.
	SessionFreshWindow time.Duration `yaml:"session_fresh_window"`
	CookieHeader       string        `yaml:"cookie_header"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	Verbose  bool   `yaml:"verbose"`
	FetchLog bool   `yaml:"fetch_stats"`
}

func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			UserAgent:            "Crystal/1.0 (+https://github.com/crystalarchiver/crystal)",
			PolitenessDelay:      1 * time.Second,
			MaxRate:              2,
			MaxConcurrentFetches: 4,
			ConnectTimeout:       10 * time.Second,
			StallTimeout:         30 * time.Second,
			SessionFreshEnabled:  true,
			SessionFreshWindow:   5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if ua := getenv("CRYSTAL_USER_AGENT"); ua != "" {
		cfg.Fetch.UserAgent = ua
	}
	if cookie := getenv("CRYSTAL_COOKIE"); cookie != "" {
		cfg.Fetch.CookieHeader = cookie
	}

	return cfg, nil
}

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crystal", "config.yaml")
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "crystal", "config.yaml")
}
