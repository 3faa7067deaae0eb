package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.MaxInputLength <= 0 {
		t.Error("MaxInputLength should be positive")
	}
	if cfg.App.GraphRecursionLimit != 50 {
		t.Errorf("GraphRecursionLimit = %d, want 50", cfg.App.GraphRecursionLimit)
	}
	if cfg.App.ToolExecutionTimeout.Std() != 30*time.Second {
		t.Errorf("ToolExecutionTimeout = %v, want 30s", cfg.App.ToolExecutionTimeout.Std())
	}
	if cfg.Memory.SurpriseWindow <= 0 {
		t.Error("SurpriseWindow should be positive")
	}
	if cfg.RAG.ChunkSize != 500 || cfg.RAG.ChunkOverlap != 50 {
		t.Errorf("RAG chunking = (%d,%d), want (500,50)", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"app": {"max_input_length": 1000, "graph_recursion_limit": 10,
			"tool_execution_timeout": "5s", "client_cache_size": 2,
			"default_history_limit": 20, "history_trim_keep": 100,
			"context_max_tokens": 2048},
		"search": {"provider": "google"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.MaxInputLength != 1000 {
		t.Errorf("MaxInputLength = %d, want 1000", cfg.App.MaxInputLength)
	}
	if cfg.App.ToolExecutionTimeout.Std() != 5*time.Second {
		t.Errorf("ToolExecutionTimeout = %v, want 5s", cfg.App.ToolExecutionTimeout.Std())
	}
	if cfg.Search.Provider != "google" {
		t.Errorf("Provider = %s, want google", cfg.Search.Provider)
	}
	// Defaults survive partial files.
	if cfg.Runner.HealthCheckTimeout != 60 {
		t.Errorf("HealthCheckTimeout = %d, want default 60", cfg.Runner.HealthCheckTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero input length", func(c *Config) { c.App.MaxInputLength = 0 }},
		{"zero recursion limit", func(c *Config) { c.App.GraphRecursionLimit = 0 }},
		{"bad search provider", func(c *Config) { c.Search.Provider = "bing" }},
		{"bad similarity ratio", func(c *Config) { c.Memory.SimilarityBufferRatio = 1.5 }},
		{"bad refinement metric", func(c *Config) { c.Memory.RefinementMetric = "entropy" }},
		{"inverted event sizes", func(c *Config) { c.Memory.MinEventSize = 10; c.Memory.MaxEventSize = 5 }},
		{"overlap >= chunk size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.App.GraphRecursionLimit != 50 {
		t.Error("expected defaults for missing file")
	}
}
