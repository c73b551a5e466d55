// ABOUTME: Configuration loading and parsing for relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	API          APIConfig          `yaml:"api"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Queue        QueueConfig        `yaml:"queue"`
	Stream       StreamConfig       `yaml:"stream"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig holds local database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig holds remote agent API configuration
type APIConfig struct {
	BaseURL      string `yaml:"base_url"`
	RefreshURL   string `yaml:"refresh_url"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	AgentKind    string `yaml:"agent_kind"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// ConnectivityConfig holds probe timing configuration
type ConnectivityConfig struct {
	ProbeURL string `yaml:"probe_url"`

	ProbeInterval time.Duration `yaml:"-"`
	ProbeTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProbeIntervalRaw string `yaml:"probe_interval"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout"`
}

// QueueConfig holds queue retry configuration
type QueueConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// StreamConfig holds streaming session configuration
type StreamConfig struct {
	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// ArtifactsConfig holds cached artifact retention configuration
type ArtifactsConfig struct {
	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}

	return nil
}

// ProbeURL returns the connectivity probe target, defaulting to the API base
// URL when not set explicitly.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.API.BaseURL
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.API.RequestTimeoutRaw != "" {
		cfg.API.RequestTimeout, err = time.ParseDuration(cfg.API.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.API.RequestTimeoutRaw, err)
		}
	}

	if cfg.Connectivity.ProbeIntervalRaw != "" {
		cfg.Connectivity.ProbeInterval, err = time.ParseDuration(cfg.Connectivity.ProbeIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_interval %q: %w", cfg.Connectivity.ProbeIntervalRaw, err)
		}
	}

	if cfg.Connectivity.ProbeTimeoutRaw != "" {
		cfg.Connectivity.ProbeTimeout, err = time.ParseDuration(cfg.Connectivity.ProbeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_timeout %q: %w", cfg.Connectivity.ProbeTimeoutRaw, err)
		}
	}

	if cfg.Stream.IdleTimeoutRaw != "" {
		cfg.Stream.IdleTimeout, err = time.ParseDuration(cfg.Stream.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Stream.IdleTimeoutRaw, err)
		}
	}

	if cfg.Artifacts.RetentionRaw != "" {
		cfg.Artifacts.Retention, err = time.ParseDuration(cfg.Artifacts.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing retention %q: %w", cfg.Artifacts.RetentionRaw, err)
		}
	}

	return nil
}
