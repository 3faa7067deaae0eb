// Package ports declares the interfaces between the orchestration engine and
// its collaborators. The engine depends only on these; adapters implement them.
package ports

import (
	"context"

	"github.com/openlocus/locus/internal/domain/models"
)

// ChatOptions tunes one chat completion request.
type ChatOptions struct {
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	MaxTokens     int
	Logprobs      bool
}

// ChatResponse is a completed (non-streaming) chat result.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Logprobs  []models.TokenLogprob
}

// ChatChunk is one unit of a streaming chat response.
type ChatChunk struct {
	Content  string
	ToolCall *models.ToolCall
	Logprob  *models.TokenLogprob
	Done     bool
	Err      error
}

// ChatClient talks to one OpenAI-compatible chat backend.
type ChatClient interface {
	Chat(ctx context.Context, messages []models.Message, tools []models.Tool, opts ChatOptions) (*ChatResponse, error)
	ChatStream(ctx context.Context, messages []models.Message, tools []models.Tool, opts ChatOptions) (<-chan ChatChunk, error)
}

// EmbeddingClient produces embedding vectors.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Role selects which model family serves a request.
type Role string

const (
	RoleCharacter Role = "character"
	RoleExecutor  Role = "executor"
	RoleEmbedding Role = "embedding"
)

// LLMService is the stateless factory handing out clients per role.
type LLMService interface {
	GetClient(ctx context.Context, role Role, taskType string, modelID string) (ChatClient, error)
	GetEmbeddingClient(ctx context.Context) (EmbeddingClient, error)
	CountTokens(ctx context.Context, messages []models.Message) (int, error)
	Cleanup()
}

// TokenCounter estimates the token cost of a single message content.
type TokenCounter func(ctx context.Context, text string) (int, error)

// ToolExecutor invokes a named tool with JSON-schema shaped arguments and
// returns a string result. Failures are materialized as JSON error envelopes,
// never as Go errors, so downstream prompts treat results uniformly.
type ToolExecutor interface {
	Execute(name string, args map[string]any) string
	AExecute(ctx context.Context, name string, args map[string]any) string
	List() []models.Tool
	Has(name string) bool
}

// ToolProvider asynchronously yields the tools it contributes to the fabric.
type ToolProvider interface {
	Name() string
	Load(ctx context.Context) ([]ProvidedTool, error)
	Close() error
}

// ProvidedTool pairs a tool description with its invoke function.
type ProvidedTool struct {
	Tool   models.Tool
	Invoke func(ctx context.Context, args map[string]any) (any, error)
}

// HistoryStore persists per-session chat history. Implementations must be
// safe for concurrent use; the engine serializes mutations per session.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, messages ...models.Message) error
	ReadLatest(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	Overwrite(ctx context.Context, sessionID string, messages []models.Message) error
	Trim(ctx context.Context, sessionID string, keep int) error
}

// ProcessRunner manages local backend processes.
type ProcessRunner interface {
	Start(ctx context.Context, cfg RunnerConfig) (int, error)
	Stop(modelKey string) error
	IsRunning(modelKey string) bool
	GetPort(modelKey string) (int, bool)
	GetStatus(modelKey string) models.RunnerStatus
	CountTokens(ctx context.Context, text, modelKey string) int
	Cleanup()
}

// RunnerConfig describes one backend launch.
type RunnerConfig struct {
	ModelKey      string
	ModelPath     string
	RequestedPort int
	ExtraArgs     []string
	ModelConfig   models.ModelConfig
}
