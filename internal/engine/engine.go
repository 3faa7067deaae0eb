// Package engine wires the Locus subsystems together and exposes the single
// entry point for processing user turns.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/adapters/tracing"
	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/graph"
	"github.com/openlocus/locus/internal/history"
	"github.com/openlocus/locus/internal/llm"
	"github.com/openlocus/locus/internal/memory"
	"github.com/openlocus/locus/internal/memory/store"
	"github.com/openlocus/locus/internal/ports"
	"github.com/openlocus/locus/internal/rag"
	"github.com/openlocus/locus/internal/registry"
	"github.com/openlocus/locus/internal/runner"
	"github.com/openlocus/locus/internal/session"
	"github.com/openlocus/locus/internal/tools"
	"github.com/openlocus/locus/internal/tools/mcp"
)

// Engine is the facade over the runtime: one instance per process.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	history  ports.HistoryStore
	fabric   *tools.Fabric
	registry *registry.Registry
	runner   *runner.Runner
	llm      *llm.Service
	memory   *memory.Service
	memStore ports.VectorStore
	rag      *rag.Engine
	graph    *graph.Graph

	pool          *pgxpool.Pool
	traceShutdown func(context.Context) error
}

// New initializes every subsystem in dependency order. Memory is best-effort:
// when its store cannot be prepared the engine runs the memory-free graph
// variant.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg}

	shutdown, err := tracing.InitTracer("locus")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	e.traceShutdown = shutdown

	e.sessions = session.NewManager()

	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		e.pool = pool
		pgHistory := history.NewPostgresHistory(pool, "")
		if err := pgHistory.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare history schema: %w", err)
		}
		e.history = pgHistory
	} else {
		e.history = history.NewMemoryHistory()
	}

	providers := []ports.ToolProvider{tools.NewBuiltinProvider(cfg, nil)}
	if len(cfg.MCP.Servers) > 0 {
		providers = append(providers, mcp.NewProvider(cfg.MCP.Servers))
	}
	e.fabric = tools.NewFabric(cfg, providers...)
	if err := e.fabric.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize tool fabric: %w", err)
	}

	reg, err := registry.Load(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to load model registry: %w", err)
	}
	e.registry = reg

	e.runner = runner.New(cfg.Runner)
	e.llm = llm.NewService(cfg, e.runner, reg)

	embedder := &lazyEmbedder{svc: e.llm, dims: cfg.Models.EmbeddingDims}
	e.rag = rag.NewEngine(cfg.RAG, embedder)

	e.initMemory(ctx, embedder)

	deps := graph.Deps{
		LLM:     e.llm,
		Tools:   e.fabric,
		RAG:     e.rag,
		Counter: e.llm.Counter(),
		Cfg:     cfg,
	}
	if e.memory != nil {
		deps.Memory = e.memory
	}
	g, err := graph.Build(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build conversation graph: %w", err)
	}
	e.graph = g

	log.Printf("[Engine] Initialized (memory=%v, tools=%d)", e.memory != nil, len(e.fabric.List()))
	return e, nil
}

func (e *Engine) initMemory(ctx context.Context, embedder ports.EmbeddingClient) {
	var vectors ports.VectorStore
	if e.pool != nil {
		pg := store.NewPGVectorStore(e.pool, "")
		if err := pg.EnsureSchema(ctx, e.cfg.Models.EmbeddingDims); err != nil {
			log.Printf("[Engine] Vector store unavailable, memory degraded: %v", err)
		} else {
			vectors = pg
		}
	} else {
		mem, err := store.NewMemoryStore(e.cfg.Database.SnapshotPath)
		if err != nil {
			log.Printf("[Engine] In-memory vector store unavailable, memory degraded: %v", err)
		} else {
			vectors = mem
		}
	}
	if vectors == nil {
		return
	}
	e.memStore = vectors
	e.memory = memory.NewService(vectors, embedder, e.cfg.Memory)
}

// Shutdown tears the subsystems down in reverse initialization order.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.llm != nil {
		e.llm.Cleanup()
	}
	if e.fabric != nil {
		e.fabric.Close()
	}
	if e.sessions != nil {
		e.sessions.Close()
	}
	if e.memStore != nil {
		if err := e.memStore.Close(); err != nil {
			log.Printf("[Engine] Vector store close failed: %v", err)
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.traceShutdown != nil {
		if err := e.traceShutdown(ctx); err != nil {
			log.Printf("[Engine] Tracer shutdown failed: %v", err)
		}
	}
	log.Printf("[Engine] Shutdown complete")
}

// Registry exposes the model catalog for the CLI and serving surfaces.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Tools exposes the tool fabric.
func (e *Engine) Tools() ports.ToolExecutor { return e.fabric }

// Sessions exposes the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Request is one user turn handed to ProcessUserRequest.
type Request struct {
	Input         string
	Mode          string
	Attachments   []models.Attachment
	SkipWebSearch bool
	SessionID     string
	Approval      tools.ApprovalFunc
}

// ProcessUserRequest runs one turn through the graph and returns its event
// stream. The channel closes after the final on_graph_end event; by then the
// session history has been committed.
func (e *Engine) ProcessUserRequest(ctx context.Context, req Request) (<-chan graph.Event, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("input is empty")
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	input := sanitizeInput(req.Input, e.cfg.App)
	mode := req.Mode
	if mode == "" {
		mode = "direct"
	}
	agentMode := ""
	if cleaned, tagMode, tagAgent := extractRouteTag(input); tagMode != "" {
		input = cleaned
		mode = tagMode
		agentMode = tagAgent
	}

	attachments := prepareAttachments(req.Attachments, e.cfg.RAG.SearchAttachmentSize)

	skipWebSearch := req.SkipWebSearch
	if mode == "search" && !e.cfg.Privacy.AllowWebSearch {
		skipWebSearch = true
	}

	res := e.sessions.Acquire(req.SessionID)

	recent, err := e.history.ReadLatest(ctx, req.SessionID, e.cfg.App.DefaultHistoryLimit)
	if err != nil {
		log.Printf("[Engine] Failed to read history for %s: %v", req.SessionID, err)
		recent = nil
	}

	state := &graph.State{
		Input:         input,
		Mode:          mode,
		AgentMode:     agentMode,
		SessionID:     req.SessionID,
		SkipWebSearch: skipWebSearch,
		Attachments:   attachments,
		ChatHistory:   recent,
	}

	events, err := e.graph.Run(ctx, state, graph.RunConfig{
		RecursionLimit: e.cfg.App.GraphRecursionLimit,
		Approval:       req.Approval,
	})
	if err != nil {
		e.sessions.Done(req.SessionID)
		return nil, err
	}

	out := make(chan graph.Event, 64)
	go func() {
		defer close(out)
		defer e.sessions.Done(req.SessionID)

		var accumulated strings.Builder
		status := "ok"
		defer func() { metrics.TurnsTotal.WithLabelValues(mode, status).Inc() }()
		for event := range events {
			if event.Type == graph.EventChatStream {
				accumulated.WriteString(event.Content)
			}
			if event.Type == graph.EventGraphEnd {
				e.commitTurn(ctx, res, state, input, mode, accumulated.String())
				event.Data["chat_history"] = state.UpdatedHistory
			}
			select {
			case out <- event:
			case <-ctx.Done():
				status = "cancelled"
				return
			}
		}
	}()
	return out, nil
}

// commitTurn persists the turn's history under the session lock: the graph's
// updated history wins when present, otherwise the turn is appended from the
// accumulated stream.
func (e *Engine) commitTurn(ctx context.Context, res *session.Resources, state *graph.State, input, mode, accumulated string) {
	res.Lock()
	defer res.Unlock()

	now := time.Now()
	if len(state.UpdatedHistory) >= 2 {
		updated := append([]models.Message{}, state.UpdatedHistory...)
		updated[len(updated)-2] = updated[len(updated)-2].Annotate(mode, now)
		updated[len(updated)-1] = updated[len(updated)-1].Annotate(mode, now)
		state.UpdatedHistory = updated
		if err := e.history.Overwrite(ctx, state.SessionID, updated); err != nil {
			log.Printf("[Engine] Failed to overwrite history for %s: %v", state.SessionID, err)
		}
	} else {
		content := state.FinalContent
		if content == "" {
			content = accumulated
		}
		pair := []models.Message{
			models.NewHumanMessage(input).Annotate(mode, now),
			models.NewAIMessage(content).Annotate(mode, now),
		}
		if err := e.history.Append(ctx, state.SessionID, pair...); err != nil {
			log.Printf("[Engine] Failed to append history for %s: %v", state.SessionID, err)
		}
		state.UpdatedHistory = append(append([]models.Message{}, state.ChatHistory...), pair...)
	}

	res.Touch()
	if err := e.history.Trim(ctx, state.SessionID, e.cfg.App.HistoryTrimKeep); err != nil {
		log.Printf("[Engine] Failed to trim history for %s: %v", state.SessionID, err)
	}
}

// lazyEmbedder defers backend startup until the first embedding request.
type lazyEmbedder struct {
	svc  *llm.Service
	dims int
}

func (l *lazyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := l.svc.GetEmbeddingClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.Embed(ctx, text)
}

func (l *lazyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	client, err := l.svc.GetEmbeddingClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.EmbedBatch(ctx, texts)
}

func (l *lazyEmbedder) Dimensions() int { return l.dims }
