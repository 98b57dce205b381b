// Package config loads the YAML configuration file, expands ${VAR}
// references from the environment, and applies defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" parse directly.
// Bare integers are treated as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RegistryConfig bounds registration retries.
type RegistryConfig struct {
	RetryBase        Duration `yaml:"retry_base"`
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
}

// ActivationConfig bounds the active set and the timeout policy.
type ActivationConfig struct {
	MaxActive     int      `yaml:"max_active"`
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// StorageConfig selects the session persistence backend.
type StorageConfig struct {
	// Backend is one of: inmemory, sqlite, postgres, mysql.
	Backend string `yaml:"backend"`
	// DSN is the connection string; for sqlite, a file path.
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the root configuration.
type Config struct {
	CatalogRoot string           `yaml:"catalog_root"`
	Watch       bool             `yaml:"watch"`
	Registry    RegistryConfig   `yaml:"registry"`
	Activation  ActivationConfig `yaml:"activation"`
	Storage     StorageConfig    `yaml:"storage"`
	Server      ServerConfig     `yaml:"server"`
	Logger      LoggerConfig     `yaml:"logger"`
	Metrics     MetricsConfig    `yaml:"metrics"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.CatalogRoot == "" {
		c.CatalogRoot = "."
	}
	if c.Registry.RetryBase == 0 {
		c.Registry.RetryBase = Duration(200 * time.Millisecond)
	}
	if c.Registry.RetryMaxAttempts == 0 {
		c.Registry.RetryMaxAttempts = 3
	}
	if c.Activation.MaxActive == 0 {
		c.Activation.MaxActive = 5
	}
	if c.Activation.IdleTimeout == 0 {
		c.Activation.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Activation.SweepInterval == 0 {
		c.Activation.SweepInterval = Duration(time.Minute)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "inmemory"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = ".troupe/sessions.db"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
}

// Validate rejects values defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "inmemory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend != "inmemory" && c.Storage.Backend != "sqlite" && c.Storage.DSN == "" {
		return fmt.Errorf("storage backend %s requires a dsn", c.Storage.Backend)
	}
	if c.Activation.MaxActive < 1 {
		return fmt.Errorf("activation.max_active must be at least 1")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads and parses the config file at path, expanding environment
// references and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
