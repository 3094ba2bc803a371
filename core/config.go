package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration. Values come from a YAML
// file with environment-variable overrides for the secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the metadata store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the durable chat-history tier. An empty URL keeps
// history in memory only.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig configures the model gateway.
type LLMConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	MaxConcurrent  int     `yaml:"max_concurrent"`
	Temperature    float32 `yaml:"temperature"`
}

// PipelineConfig configures orchestration behavior.
type PipelineConfig struct {
	MaxRetries     int               `yaml:"max_retries"`
	StepTimeout    time.Duration     `yaml:"step_timeout"`
	JudgeEnabled   *bool             `yaml:"judge_enabled"`
	BaseURLAliases map[string]string `yaml:"base_url_aliases"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	judge := true
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			MaxConcurrent:  8,
			Temperature:    0.1,
		},
		Pipeline: PipelineConfig{
			MaxRetries:   2,
			StepTimeout:  30 * time.Second,
			JudgeEnabled: &judge,
		},
	}
}

// LoadConfig reads a YAML configuration file and applies environment
// overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them into the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APIWEAVER_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("APIWEAVER_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("APIWEAVER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("APIWEAVER_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("APIWEAVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("%w: pipeline.max_retries must be >= 0", ErrInvalidConfiguration)
	}
	if c.Pipeline.StepTimeout <= 0 {
		return fmt.Errorf("%w: pipeline.step_timeout must be positive", ErrInvalidConfiguration)
	}
	if c.LLM.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: llm.max_concurrent must be positive", ErrInvalidConfiguration)
	}
	return nil
}
