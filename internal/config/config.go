package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects which document store implementation a workspace uses.
const (
	BackendCouch = "couch"
	BackendRedis = "redis"
)

// DreyConfig represents the top-level drey.yml configuration.
type DreyConfig struct {
	Version string      `yaml:"version"`
	Store   StoreConfig `yaml:"store"`
	Sync    *SyncConfig `yaml:"sync,omitempty"`
}

// StoreConfig describes the remote document store connection.
type StoreConfig struct {
	Backend  string `yaml:"backend"`
	Database string `yaml:"database"`

	// URL is the server base URL (couch backend).
	URL string `yaml:"url,omitempty"`

	// RedisAddr is the host:port of the Redis server (redis backend).
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// Credentials are taken from the environment rather than the file,
	// so drey.yml can be committed. The fields name the variables.
	UsernameEnv string `yaml:"username_env,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// SyncConfig tunes the cache synchronization behavior.
type SyncConfig struct {
	// MaxConflictRounds caps conflict retries per mutation
	// (0 = library default).
	MaxConflictRounds int `yaml:"max_conflict_rounds,omitempty"`

	// FeedTimeoutSeconds is the change-feed long-poll window in seconds
	// (couch backend, 0 = backend default).
	FeedTimeoutSeconds int `yaml:"feed_timeout_seconds,omitempty"`
}

// FeedTimeout returns the long-poll window as a duration.
func (s *SyncConfig) FeedTimeout() time.Duration {
	return time.Duration(s.FeedTimeoutSeconds) * time.Second
}

// Credentials resolves the configured environment variables. Empty
// strings mean anonymous access.
func (s *StoreConfig) Credentials() (username, password string) {
	if s.UsernameEnv != "" {
		username = os.Getenv(s.UsernameEnv)
	}
	if s.PasswordEnv != "" {
		password = os.Getenv(s.PasswordEnv)
	}
	return username, password
}

// Validate performs strict validation on the configuration.
func (c *DreyConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Store.Database == "" {
		return fmt.Errorf("store.database is required")
	}

	switch c.Store.Backend {
	case BackendCouch:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the couch backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	case "":
		return fmt.Errorf("store.backend is required (valid: '%s' or '%s')", BackendCouch, BackendRedis)
	default:
		return fmt.Errorf("unknown store.backend '%s' (valid: '%s' or '%s')", c.Store.Backend, BackendCouch, BackendRedis)
	}

	// Apply default sync config if missing
	if c.Sync == nil {
		c.Sync = &SyncConfig{}
	}
	if c.Sync.MaxConflictRounds < 0 {
		return fmt.Errorf("sync.max_conflict_rounds must be >= 0, got %d", c.Sync.MaxConflictRounds)
	}
	if c.Sync.FeedTimeoutSeconds < 0 {
		return fmt.Errorf("sync.feed_timeout_seconds must be >= 0, got %d", c.Sync.FeedTimeoutSeconds)
	}

	return nil
}

// Load reads and validates drey.yml from the specified path.
func Load(path string) (*DreyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config DreyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
