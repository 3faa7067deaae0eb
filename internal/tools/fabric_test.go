package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

func echoTool(name string) ports.ProvidedTool {
	return ports.ProvidedTool{
		Tool: models.Tool{
			Name:        name,
			Description: "echoes its input",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func newTestFabric(t *testing.T, mutate func(*config.Config), tools ...ports.ProvidedTool) *Fabric {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := NewFabric(cfg)
	for _, pt := range tools {
		f.Register(pt)
	}
	return f
}

func TestExecuteReturnsResult(t *testing.T) {
	f := newTestFabric(t, nil, echoTool("echo"))
	out := f.Execute("echo", map[string]any{"text": "hello"})
	assert.Equal(t, "hello", out)
}

func TestExecuteUnknownToolEnvelope(t *testing.T) {
	f := newTestFabric(t, nil)
	out := f.Execute("nope", nil)

	env, ok := ParseErrorEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, CodeUnknownTool, env.ErrorCode)
	assert.Equal(t, "nope", env.ToolName)
	assert.True(t, env.Error)

	// The observation shape carries all five members.
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	for _, key := range []string{"error", "error_code", "message", "tool_name", "details"} {
		assert.Contains(t, raw, key)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	f := newTestFabric(t, nil, echoTool("echo"))

	out := f.Execute("echo", map[string]any{})
	env, ok := ParseErrorEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidArguments, env.ErrorCode)
	assert.Contains(t, env.Details, "args")

	out = f.Execute("echo", map[string]any{"text": 42})
	env, ok = ParseErrorEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidArguments, env.ErrorCode)
}

func TestExecuteErrorBecomesEnvelope(t *testing.T) {
	f := newTestFabric(t, nil, ports.ProvidedTool{
		Tool: models.Tool{Name: "boom"},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("backend unavailable")
		},
	})

	out := f.Execute("boom", nil)
	env, ok := ParseErrorEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, CodeExecutionFailed, env.ErrorCode)
	assert.Contains(t, env.Message, "backend unavailable")

	// Envelope round-trips as valid JSON.
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	assert.Equal(t, true, raw["error"])
}

func TestExecuteTimeout(t *testing.T) {
	f := newTestFabric(t, func(cfg *config.Config) {
		cfg.App.ToolExecutionTimeout = config.Duration(50 * time.Millisecond)
	}, ports.ProvidedTool{
		Tool: models.Tool{Name: "slow"},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	})

	out := f.Execute("slow", nil)
	env, ok := ParseErrorEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, env.ErrorCode)
	assert.Equal(t, "slow", env.ToolName)
	assert.Equal(t, "50ms", env.Details["timeout"])
}

func TestExecuteMarshalsStructResults(t *testing.T) {
	f := newTestFabric(t, nil, ports.ProvidedTool{
		Tool: models.Tool{Name: "structured"},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"count": 3}, nil
		},
	})

	out := f.Execute("structured", nil)
	assert.JSONEq(t, `{"count": 3}`, out)
	_, isErr := ParseErrorEnvelope(out)
	assert.False(t, isErr)
}

func TestProfileFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MCP.Deny = []string{"mcp_dangerous_*"}
	cfg.MCP.Allow = []string{"mcp_*", "calculator"}
	f := NewFabric(cfg)

	assert.True(t, f.permitted("mcp_files_read"))
	assert.True(t, f.permitted("calculator"))
	assert.False(t, f.permitted("mcp_dangerous_rm"))
	assert.False(t, f.permitted("web_fetch"))
}

func TestListSortedAndHas(t *testing.T) {
	f := newTestFabric(t, nil, echoTool("zeta"), echoTool("alpha"))
	names := []string{}
	for _, tool := range f.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
	assert.True(t, f.Has("alpha"))
	assert.False(t, f.Has("beta"))
}

func TestInitLoadsProviders(t *testing.T) {
	cfg := config.DefaultConfig()
	f := NewFabric(cfg, providerFunc{
		name:  "static",
		tools: []ports.ProvidedTool{echoTool("echo")},
	})
	require.NoError(t, f.Init(context.Background()))
	assert.True(t, f.Has("echo"))
}

type providerFunc struct {
	name  string
	tools []ports.ProvidedTool
}

func (p providerFunc) Name() string { return p.name }
func (p providerFunc) Load(ctx context.Context) ([]ports.ProvidedTool, error) {
	return p.tools, nil
}
func (p providerFunc) Close() error { return nil }
