// Package config provides configuration management for the supervisor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jelmer/janitor-go/pkg/duration"
)

// Duration is an alias for the shared duration.Duration type.
type Duration = duration.Duration

// Config represents the complete supervisor configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Generator GeneratorConfig `yaml:"generator"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address      string   `yaml:"address"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// StorageConfig contains run store settings.
type StorageConfig struct {
	// Backend is "badger" or "memory".
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

// RegistryConfig contains active-job registry settings.
type RegistryConfig struct {
	MaxActiveJobs int `yaml:"max_active_jobs"`
	HistorySize   int `yaml:"history_size"`
}

// WatchdogConfig contains run supervision settings.
type WatchdogConfig struct {
	CheckInterval       Duration `yaml:"check_interval"`
	DefaultTimeout      Duration `yaml:"default_timeout"`
	MaxTimeout          Duration `yaml:"max_timeout"`
	HeartbeatTimeout    Duration `yaml:"heartbeat_timeout"`
	MaxHealthFailures   int      `yaml:"max_health_failures"`
	MaintenanceInterval Duration `yaml:"maintenance_interval"`
	MaxRunAge           Duration `yaml:"max_run_age"`
	MaxRetries          int      `yaml:"max_retries"`
	MinRetryDelay       Duration `yaml:"min_retry_delay"`
	BackchannelTimeout  Duration `yaml:"backchannel_timeout"`
}

// GeneratorConfig contains settings for the generator service jobs are
// dispatched to.
type GeneratorConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// MetricsConfig contains metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0:9929",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Backend: "badger",
			DataDir: "./data",
		},
		Registry: RegistryConfig{
			MaxActiveJobs: 10,
			HistorySize:   100,
		},
		Watchdog: WatchdogConfig{
			CheckInterval:       Duration(30 * time.Second),
			DefaultTimeout:      Duration(1 * time.Hour),
			MaxTimeout:          Duration(4 * time.Hour),
			HeartbeatTimeout:    Duration(5 * time.Minute),
			MaxHealthFailures:   3,
			MaintenanceInterval: Duration(5 * time.Minute),
			MaxRunAge:           Duration(6 * time.Hour),
			MaxRetries:          3,
			MinRetryDelay:       Duration(1 * time.Hour),
			BackchannelTimeout:  Duration(10 * time.Second),
		},
		Generator: GeneratorConfig{
			URL:     "http://localhost:9930",
			Timeout: Duration(30 * time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("JANITOR_HTTP_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("JANITOR_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("JANITOR_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("JANITOR_GENERATOR_URL"); v != "" {
		c.Generator.URL = v
	}
	if v := os.Getenv("JANITOR_MAX_ACTIVE_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.MaxActiveJobs = n
		}
	}
	if v := os.Getenv("JANITOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Storage.Backend != "badger" && c.Storage.Backend != "memory" {
		return fmt.Errorf("storage.backend must be badger or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the badger backend")
	}
	if c.Registry.MaxActiveJobs <= 0 {
		return fmt.Errorf("registry.max_active_jobs must be positive")
	}
	if c.Registry.HistorySize <= 0 {
		return fmt.Errorf("registry.history_size must be positive")
	}
	if c.Watchdog.MaxHealthFailures <= 0 {
		return fmt.Errorf("watchdog.max_health_failures must be positive")
	}
	if c.Watchdog.CheckInterval <= 0 {
		return fmt.Errorf("watchdog.check_interval must be positive")
	}
	if c.Watchdog.MaxTimeout < c.Watchdog.DefaultTimeout {
		return fmt.Errorf("watchdog.max_timeout must not be below watchdog.default_timeout")
	}
	if c.Generator.URL == "" {
		return fmt.Errorf("generator.url is required")
	}
	return nil
}
