// Package config loads and validates the runtime configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/openlocus/locus/internal/domain/models"
)

// Config holds all configuration for the Locus runtime.
type Config struct {
	App      AppConfig                     `json:"app"`
	Runner   RunnerConfig                  `json:"runner"`
	Models   ModelsConfig                  `json:"models"`
	Memory   models.EMConfig               `json:"memory"`
	RAG      RAGConfig                     `json:"rag"`
	Privacy  PrivacyConfig                 `json:"privacy"`
	Search   SearchConfig                  `json:"search"`
	Database DatabaseConfig                `json:"database"`
	Server   ServerConfig                  `json:"server"`
	MCP      MCPConfig                     `json:"mcp"`
	Sampling map[string]models.ModelConfig `json:"sampling,omitempty"`
}

// AppConfig carries application-wide limits.
type AppConfig struct {
	MaxInputLength       int      `json:"max_input_length"`
	GraphRecursionLimit  int      `json:"graph_recursion_limit"`
	ToolExecutionTimeout Duration `json:"tool_execution_timeout"`
	DangerousPatterns    []string `json:"dangerous_patterns,omitempty"`
	DefaultHistoryLimit  int      `json:"default_history_limit"`
	HistoryTrimKeep      int      `json:"history_trim_keep"`
	ClientCacheSize      int      `json:"client_cache_size"`
	ContextMaxTokens     int      `json:"context_max_tokens"`
}

// RunnerConfig configures the local backend process manager.
type RunnerConfig struct {
	BinaryPath              string   `json:"binary_path"`
	LogsDir                 string   `json:"logs_dir"`
	HealthCheckTimeout      int      `json:"health_check_timeout"`  // poll attempts
	HealthCheckInterval     Duration `json:"health_check_interval"` // per attempt
	ProcessTerminateTimeout Duration `json:"process_terminate_timeout"`
}

// ModelsConfig configures the model catalog and download policy.
type ModelsConfig struct {
	RegistryPath    string   `json:"registry_path"`
	ManagedDir      string   `json:"managed_dir"`
	JobsPath        string   `json:"jobs_path"`
	AllowedOwners   []string `json:"allowed_owners,omitempty"`
	ConsentOwners   []string `json:"consent_owners,omitempty"`
	EmbeddingDims   int      `json:"embedding_dims"`
}

// RAGConfig tunes retrieval-augmented context assembly.
type RAGConfig struct {
	ChunkSize            int `json:"chunk_size"`
	ChunkOverlap         int `json:"chunk_overlap"`
	EmbeddingBatchSize   int `json:"embedding_batch_size"`
	TopK                 int `json:"top_k"`
	MaxContextChars      int `json:"max_context_chars"`
	SearchAttachmentSize int `json:"search_attachment_size"`
}

// PrivacyConfig carries policy flags consulted before any outbound fetch.
type PrivacyConfig struct {
	AllowWebSearch bool     `json:"allow_web_search"`
	RedactPII      bool     `json:"redact_pii"`
	URLDenylist    []string `json:"url_denylist,omitempty"`
}

// SearchConfig selects the web search provider.
type SearchConfig struct {
	Provider string `json:"provider"` // "google" or "duckduckgo"
	APIKey   string `json:"api_key,omitempty"`
}

// DatabaseConfig holds the vector/history store connection.
type DatabaseConfig struct {
	PostgresURL  string `json:"postgres_url,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"` // in-memory store persistence
}

// ServerConfig holds the serving surface configuration.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	Name           string   `json:"name"`
	Transport      string   `json:"transport"` // "stdio" or "http"
	Command        string   `json:"command,omitempty"`
	Args           []string `json:"args,omitempty"`
	Env            []string `json:"env,omitempty"`
	URL            string   `json:"url,omitempty"`
	APIKey         string   `json:"api_key,omitempty"`
	AutoReconnect  bool     `json:"auto_reconnect"`
	ReconnectDelay int      `json:"reconnect_delay,omitempty"` // seconds
}

// MCPConfig lists the configured MCP servers and the tool profile filter.
type MCPConfig struct {
	Servers     []MCPServerConfig `json:"servers,omitempty"`
	ToolProfile string            `json:"tool_profile,omitempty"`
	Allow       []string          `json:"allow,omitempty"`
	Deny        []string          `json:"deny,omitempty"`
}

// Duration is a time.Duration that marshals as a string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val) * time.Second)
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".locus")
	return &Config{
		App: AppConfig{
			MaxInputLength:       32768,
			GraphRecursionLimit:  50,
			ToolExecutionTimeout: Duration(30 * time.Second),
			DefaultHistoryLimit:  40,
			HistoryTrimKeep:      1000,
			ClientCacheSize:      3,
			ContextMaxTokens:     4096,
		},
		Runner: RunnerConfig{
			BinaryPath:              "llama-server",
			LogsDir:                 filepath.Join(base, "logs"),
			HealthCheckTimeout:      60,
			HealthCheckInterval:     Duration(time.Second),
			ProcessTerminateTimeout: Duration(10 * time.Second),
		},
		Models: ModelsConfig{
			RegistryPath:  filepath.Join(base, "models.json"),
			ManagedDir:    filepath.Join(base, "models"),
			JobsPath:      filepath.Join(base, "downloads.json"),
			EmbeddingDims: 768,
		},
		Memory: models.DefaultEMConfig(),
		RAG: RAGConfig{
			ChunkSize:            500,
			ChunkOverlap:         50,
			EmbeddingBatchSize:   32,
			TopK:                 5,
			MaxContextChars:      3000,
			SearchAttachmentSize: 262144,
		},
		Privacy: PrivacyConfig{
			AllowWebSearch: true,
		},
		Search: SearchConfig{
			Provider: "duckduckgo",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8391,
		},
	}
}

// Load reads the config file at path (if present), applies environment
// overrides, validates, and returns the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCUS_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("LOCUS_RUNNER_BINARY"); v != "" {
		cfg.Runner.BinaryPath = v
	}
	if v := os.Getenv("LOCUS_SEARCH_PROVIDER"); v != "" {
		cfg.Search.Provider = v
	}
	if v := os.Getenv("LOCUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOCUS_ALLOW_WEB_SEARCH"); v != "" {
		cfg.Privacy.AllowWebSearch = v == "1" || v == "true"
	}
}

// Validate rejects configurations the engine cannot run with. Validation
// failures surface before any component is initialized.
func (c *Config) Validate() error {
	if c.App.MaxInputLength <= 0 {
		return fmt.Errorf("app.max_input_length must be positive")
	}
	if c.App.GraphRecursionLimit <= 0 {
		return fmt.Errorf("app.graph_recursion_limit must be positive")
	}
	if c.App.ClientCacheSize <= 0 {
		return fmt.Errorf("app.client_cache_size must be positive")
	}
	if c.Runner.HealthCheckTimeout <= 0 {
		return fmt.Errorf("runner.health_check_timeout must be positive")
	}
	if c.Memory.SurpriseWindow <= 0 {
		return fmt.Errorf("memory.surprise_window must be positive")
	}
	if c.Memory.MinEventSize <= 0 || c.Memory.MaxEventSize < c.Memory.MinEventSize {
		return fmt.Errorf("memory event size bounds invalid: min=%d max=%d",
			c.Memory.MinEventSize, c.Memory.MaxEventSize)
	}
	if c.Memory.SimilarityBufferRatio < 0 || c.Memory.SimilarityBufferRatio > 1 {
		return fmt.Errorf("memory.similarity_buffer_ratio must be within [0,1]")
	}
	switch c.Memory.RefinementMetric {
	case models.MetricModularity, models.MetricConductance:
	default:
		return fmt.Errorf("memory.refinement_metric must be modularity or conductance")
	}
	switch c.Search.Provider {
	case "google", "duckduckgo":
	default:
		return fmt.Errorf("search.provider must be google or duckduckgo")
	}
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag chunking invalid: size=%d overlap=%d", c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	return nil
}
