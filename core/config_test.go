package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %s", cfg.Server.Address)
	}
	if cfg.Pipeline.MaxRetries != 2 {
		t.Errorf("max retries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.StepTimeout != 30*time.Second {
		t.Errorf("step timeout = %s", cfg.Pipeline.StepTimeout)
	}
	if cfg.Pipeline.JudgeEnabled == nil || !*cfg.Pipeline.JudgeEnabled {
		t.Error("judge not enabled by default")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  address: ":9090"
llm:
  model: gpt-4o
pipeline:
  max_retries: 1
  judge_enabled: false
  base_url_aliases:
    legacy.example.com: https://replacement.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %s", cfg.Server.Address)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("model = %s", cfg.LLM.Model)
	}
	// Untouched fields keep their defaults.
	if cfg.LLM.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("embedding model = %s", cfg.LLM.EmbeddingModel)
	}
	if cfg.Pipeline.MaxRetries != 1 {
		t.Errorf("max retries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.JudgeEnabled == nil || *cfg.Pipeline.JudgeEnabled {
		t.Error("judge_enabled: false not honored")
	}
	if cfg.Pipeline.BaseURLAliases["legacy.example.com"] != "https://replacement.example.com" {
		t.Errorf("aliases = %v", cfg.Pipeline.BaseURLAliases)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APIWEAVER_LLM_API_KEY", "sk-env")
	t.Setenv("APIWEAVER_ADDRESS", ":7070")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("api key = %s", cfg.LLM.APIKey)
	}
	if cfg.Server.Address != ":7070" {
		t.Errorf("address = %s", cfg.Server.Address)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.MaxRetries = -1
	if err := cfg.Validate(); !IsConfigurationError(err) {
		t.Errorf("negative retries accepted: %v", err)
	}

	cfg = DefaultConfig()
	cfg.Pipeline.StepTimeout = 0
	if err := cfg.Validate(); !IsConfigurationError(err) {
		t.Errorf("zero step timeout accepted: %v", err)
	}

	cfg = DefaultConfig()
	cfg.LLM.MaxConcurrent = 0
	if err := cfg.Validate(); !IsConfigurationError(err) {
		t.Errorf("zero concurrency accepted: %v", err)
	}
}
