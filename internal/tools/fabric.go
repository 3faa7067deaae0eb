// Package tools merges builtin and MCP-provided tools into one executor with
// uniform argument validation, timeouts, and JSON error envelopes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/adapters/tracing"
	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

type registeredTool struct {
	tool   models.Tool
	schema *jsonschema.Schema
	invoke func(ctx context.Context, args map[string]any) (any, error)
}

// Fabric is the single dispatch point for tool execution.
type Fabric struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	providers []ports.ToolProvider

	timeout time.Duration
	allow   []string
	deny    []string
}

func NewFabric(cfg *config.Config, providers ...ports.ToolProvider) *Fabric {
	return &Fabric{
		tools:     make(map[string]*registeredTool),
		providers: providers,
		timeout:   cfg.App.ToolExecutionTimeout.Std(),
		allow:     cfg.MCP.Allow,
		deny:      cfg.MCP.Deny,
	}
}

// Init loads every provider and registers the tools passing the profile
// filter. A failing provider logs a warning and contributes nothing.
func (f *Fabric) Init(ctx context.Context) error {
	for _, p := range f.providers {
		provided, err := p.Load(ctx)
		if err != nil {
			log.Printf("[ToolFabric] Provider %s failed to load: %v", p.Name(), err)
			continue
		}
		for _, pt := range provided {
			if !f.permitted(pt.Tool.Name) {
				log.Printf("[ToolFabric] Tool %s excluded by profile", pt.Tool.Name)
				continue
			}
			f.Register(pt)
		}
		log.Printf("[ToolFabric] Loaded provider %s", p.Name())
	}
	return nil
}

// Register adds one tool, compiling its argument schema when possible. A
// schema that fails to compile disables validation for that tool only.
func (f *Fabric) Register(pt ports.ProvidedTool) {
	rt := &registeredTool{tool: pt.Tool, invoke: pt.Invoke}
	if pt.Tool.ArgsSchema != nil {
		if raw, err := json.Marshal(pt.Tool.ArgsSchema); err == nil {
			schema, err := jsonschema.CompileString(pt.Tool.Name+".schema.json", string(raw))
			if err != nil {
				log.Printf("[ToolFabric] Schema for %s does not compile, skipping validation: %v", pt.Tool.Name, err)
			} else {
				rt.schema = schema
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tools[pt.Tool.Name]; exists {
		log.Printf("[ToolFabric] Tool %s already registered, keeping first registration", pt.Tool.Name)
		return
	}
	f.tools[pt.Tool.Name] = rt
}

func (f *Fabric) permitted(name string) bool {
	for _, pattern := range f.deny {
		if ok, _ := path.Match(pattern, name); ok {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, pattern := range f.allow {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// List returns the registered tools sorted by name.
func (f *Fabric) List() []models.Tool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.Tool, 0, len(f.tools))
	for _, rt := range f.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *Fabric) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.tools[name]
	return ok
}

// Execute runs a tool without an inherited context.
func (f *Fabric) Execute(name string, args map[string]any) string {
	return f.AExecute(context.Background(), name, args)
}

// AExecute runs a tool under the fabric timeout. Every failure mode returns
// an error envelope string so the caller treats all results uniformly.
func (f *Fabric) AExecute(ctx context.Context, name string, args map[string]any) string {
	f.mu.RLock()
	rt, ok := f.tools[name]
	f.mu.RUnlock()
	if !ok {
		metrics.ToolExecutionsTotal.WithLabelValues(name, "unknown").Inc()
		return errorResult(name, CodeUnknownTool, fmt.Sprintf("tool %q is not registered", name), nil)
	}

	if rt.schema != nil {
		if err := rt.schema.Validate(normalizeArgs(args)); err != nil {
			metrics.ToolExecutionsTotal.WithLabelValues(name, "invalid_args").Inc()
			return errorResult(name, CodeInvalidArguments, err.Error(), map[string]any{"args": args})
		}
	}

	ctx, span := tracing.StartToolSpan(ctx, name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	result, err := rt.invoke(ctx, args)
	metrics.ToolExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		code := CodeExecutionFailed
		var details map[string]any
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = CodeTimeout
			details = map[string]any{"timeout": f.timeout.String()}
		case errors.Is(err, context.Canceled):
			code = CodeCancelled
		}
		metrics.ToolExecutionsTotal.WithLabelValues(name, "error").Inc()
		log.Printf("[ToolFabric] Tool %s failed: %v", name, err)
		return errorResult(name, code, err.Error(), details)
	}

	metrics.ToolExecutionsTotal.WithLabelValues(name, "ok").Inc()
	return renderResult(name, result)
}

func renderResult(name string, result any) string {
	switch v := result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return errorResult(name, CodeExecutionFailed, "tool result is not serializable", nil)
		}
		return string(data)
	}
}

// normalizeArgs round-trips args through JSON so the validator sees only
// JSON-native types (model-produced args may carry ints where the schema
// expects numbers).
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// Close shuts down all providers.
func (f *Fabric) Close() {
	for _, p := range f.providers {
		if err := p.Close(); err != nil {
			log.Printf("[ToolFabric] Provider %s close failed: %v", p.Name(), err)
		}
	}
}
