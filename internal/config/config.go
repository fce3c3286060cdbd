// ABOUTME: Configuration loading and parsing for queue-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the complete queue-relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	StoreLog   StoreLogConfig   `yaml:"store_log" toml:"store_log"`
	Expiration ExpirationConfig `yaml:"expiration" toml:"expiration"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the admin HTTP address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// StoreConfig selects the queue store backend
type StoreConfig struct {
	Backend    string `yaml:"backend" toml:"backend"`         // memory (default) or sqlite
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"` // required for sqlite
}

// StoreLogConfig holds durability log configuration
type StoreLogConfig struct {
	Path           string `yaml:"path" toml:"path"`
	CompactOnStart bool   `yaml:"compact_on_start" toml:"compact_on_start"`
	KeepBackups    int    `yaml:"keep_backups" toml:"keep_backups"`
	Sync           bool   `yaml:"sync" toml:"sync"` // fsync after every record
}

// ExpirationConfig holds inactive queue housekeeping settings
type ExpirationConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	InactiveTTL   time.Duration `yaml:"-" toml:"-"`
	CheckInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InactiveTTLRaw   string `yaml:"inactive_ttl" toml:"inactive_ttl"`
	CheckIntervalRaw string `yaml:"check_interval" toml:"check_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default values
const (
	DefaultHTTPAddr      = "localhost:8090"
	DefaultKeepBackups   = 5
	DefaultInactiveTTL   = 180 * 24 * time.Hour
	DefaultCheckInterval = 6 * time.Hour
	DefaultMetricsPath   = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with every optional field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: DefaultHTTPAddr},
		Store:  StoreConfig{Backend: BackendMemory},
		StoreLog: StoreLogConfig{
			CompactOnStart: true,
			KeepBackups:    DefaultKeepBackups,
		},
		Expiration: ExpirationConfig{
			InactiveTTL:   DefaultInactiveTTL,
			CheckInterval: DefaultCheckInterval,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: DefaultMetricsPath},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Store.Backend {
	case BackendMemory:
		// The log is the only durable copy of an in-memory store.
		if c.StoreLog.Path == "" {
			return fmt.Errorf("store_log.path is required for the memory backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Store.Backend)
	}

	if c.StoreLog.KeepBackups < 0 {
		return fmt.Errorf("store_log.keep_backups must not be negative")
	}

	if c.Expiration.Enabled {
		if c.Expiration.InactiveTTL <= 0 {
			return fmt.Errorf("expiration.inactive_ttl must be positive")
		}
		if c.Expiration.CheckInterval <= 0 {
			return fmt.Errorf("expiration.check_interval must be positive")
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Expiration.InactiveTTLRaw != "" {
		cfg.Expiration.InactiveTTL, err = time.ParseDuration(cfg.Expiration.InactiveTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing inactive_ttl %q: %w", cfg.Expiration.InactiveTTLRaw, err)
		}
	}

	if cfg.Expiration.CheckIntervalRaw != "" {
		cfg.Expiration.CheckInterval, err = time.ParseDuration(cfg.Expiration.CheckIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing check_interval %q: %w", cfg.Expiration.CheckIntervalRaw, err)
		}
	}

	return nil
}

// DefaultYAML renders a starter configuration file with the given data directory.
func DefaultYAML(dataDir string) string {
	return fmt.Sprintf(`# queue-relay configuration

server:
  http_addr: %q

store:
  backend: "memory"

store_log:
  path: %q
  compact_on_start: true
  keep_backups: %d
  sync: false

expiration:
  enabled: false
  inactive_ttl: "4320h"
  check_interval: "6h"

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: %q
`, DefaultHTTPAddr, filepath.Join(dataDir, "queues.log"), DefaultKeepBackups, DefaultMetricsPath)
}

// DefaultPath returns the path to the relay config file.
// Priority: QUEUE_RELAY_CONFIG env var > XDG_CONFIG_HOME/queue-relay/config.yaml > ~/.config/queue-relay/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("QUEUE_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "queue-relay", "config.yaml")
}

// DataDir returns the directory holding the store log and its backups.
// Priority: XDG_DATA_HOME/queue-relay > ~/.local/share/queue-relay
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "queue-relay")
}
