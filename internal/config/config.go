package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxConcurrentLLMRequests is the global in-flight LLM call budget
// used when the configured value is missing or malformed.
const DefaultMaxConcurrentLLMRequests = 3

// Config is the top-level runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	LLM         LLMConfig         `yaml:"llm"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

// RuntimeConfig configures the agent runtime proper.
//
// MaxConcurrentLLMRequests is typed as `any` because operators feed this
// file by hand; any non-positive or non-integral value falls back to the
// default with a warning instead of failing boot.
type RuntimeConfig struct {
	MaxConcurrentLLMRequests any    `yaml:"maxConcurrentLlmRequests"`
	ArtifactsDir             string `yaml:"artifactsDir"`
	RuntimeDir               string `yaml:"runtimeDir"`

	// PromptsDir holds prompt files; root.md becomes the root agent's
	// system prompt.
	PromptsDir string `yaml:"promptsDir"`
}

// LLMConfig is the default LLM backend used when the service catalog does
// not resolve a role to a specific service.
type LLMConfig struct {
	BaseURL     string  `yaml:"baseURL"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"apiKey"`
	Temperature float64 `yaml:"temperature"`

	// ServicesFile points at the service catalog. A sibling file with a
	// ".local" infix shadows it entirely when present.
	ServicesFile string `yaml:"servicesFile"`

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int `yaml:"maxRetries"`

	// RequestTimeout bounds a single LLM request.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// PersistenceConfig configures snapshotting.
type PersistenceConfig struct {
	// DatabasePath is the sqlite file holding snapshots. Empty means
	// "<runtimeDir>/state.db".
	DatabasePath string `yaml:"databasePath"`

	// SnapshotInterval is a cron expression for periodic snapshots.
	// Empty disables the interval; shutdown still snapshots.
	SnapshotInterval string `yaml:"snapshotInterval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", HTTPPort: 8390},
		Runtime: RuntimeConfig{
			ArtifactsDir: "data/artifacts",
			RuntimeDir:   "data/runtime",
			PromptsDir:   "prompts",
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			Temperature:    0.7,
			MaxRetries:     3,
			RequestTimeout: 120 * time.Second,
		},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Persistence: PersistenceConfig{SnapshotInterval: "@every 1m"},
	}
}

// Load reads a YAML config file, applying defaults for absent fields. A
// missing file yields the defaults; a malformed file is a fatal error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = defaults.Server.HTTPPort
	}
	if c.Runtime.ArtifactsDir == "" {
		c.Runtime.ArtifactsDir = defaults.Runtime.ArtifactsDir
	}
	if c.Runtime.RuntimeDir == "" {
		c.Runtime.RuntimeDir = defaults.Runtime.RuntimeDir
	}
	if c.Runtime.PromptsDir == "" {
		c.Runtime.PromptsDir = defaults.Runtime.PromptsDir
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaults.LLM.Model
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = defaults.LLM.MaxRetries
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = defaults.LLM.RequestTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// DatabasePath resolves the sqlite snapshot path against the runtime dir.
func (c *Config) DatabasePath() string {
	if c.Persistence.DatabasePath != "" {
		return c.Persistence.DatabasePath
	}
	return filepath.Join(c.Runtime.RuntimeDir, "state.db")
}

// MaxConcurrent returns the validated global LLM concurrency budget.
// Missing values fall back silently; malformed values log a warning.
func (c *Config) MaxConcurrent(logger *slog.Logger) int {
	return NormalizeMaxConcurrent(c.Runtime.MaxConcurrentLLMRequests, logger)
}

// NormalizeMaxConcurrent coerces a raw configured concurrency value to a
// positive integer. nil is silently the default; anything else that is not
// a positive whole number logs a warning and falls back.
func NormalizeMaxConcurrent(raw any, logger *slog.Logger) int {
	if raw == nil {
		return DefaultMaxConcurrentLLMRequests
	}
	warn := func() int {
		if logger != nil {
			logger.Warn("invalid maxConcurrentLlmRequests, using default",
				"value", raw, "default", DefaultMaxConcurrentLLMRequests)
		}
		return DefaultMaxConcurrentLLMRequests
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case uint64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v)
		}
	case float32:
		if v > 0 && float64(v) == float64(int(v)) {
			return int(v)
		}
	default:
		return warn()
	}
	return warn()
}
