package engine

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/graph"
	"github.com/openlocus/locus/internal/history"
	"github.com/openlocus/locus/internal/ports"
	"github.com/openlocus/locus/internal/rag"
	"github.com/openlocus/locus/internal/session"
)

type scriptedClient struct {
	mu         sync.Mutex
	chats      []*ports.ChatResponse
	streamText string
}

func (c *scriptedClient) Chat(_ context.Context, _ []models.Message, _ []models.Tool, _ ports.ChatOptions) (*ports.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chats) == 0 {
		return &ports.ChatResponse{Content: "ok"}, nil
	}
	resp := c.chats[0]
	c.chats = c.chats[1:]
	return resp, nil
}

func (c *scriptedClient) ChatStream(_ context.Context, _ []models.Message, _ []models.Tool, _ ports.ChatOptions) (<-chan ports.ChatChunk, error) {
	ch := make(chan ports.ChatChunk, 4)
	go func() {
		defer close(ch)
		ch <- ports.ChatChunk{Content: c.streamText}
		ch <- ports.ChatChunk{Done: true}
	}()
	return ch, nil
}

type stubLLM struct{ client ports.ChatClient }

func (s *stubLLM) GetClient(_ context.Context, _ ports.Role, _ string, _ string) (ports.ChatClient, error) {
	return s.client, nil
}

func (s *stubLLM) GetEmbeddingClient(_ context.Context) (ports.EmbeddingClient, error) {
	return nil, assert.AnError
}

func (s *stubLLM) CountTokens(_ context.Context, _ []models.Message) (int, error) { return 0, nil }
func (s *stubLLM) Cleanup()                                                       {}

type stubTools struct {
	result string
	calls  int
}

func (s *stubTools) Execute(name string, args map[string]any) string {
	return s.AExecute(context.Background(), name, args)
}

func (s *stubTools) AExecute(_ context.Context, _ string, _ map[string]any) string {
	s.calls++
	return s.result
}

func (s *stubTools) List() []models.Tool  { return []models.Tool{{Name: "stub_tool"}} }
func (s *stubTools) Has(name string) bool { return true }

type stubRAG struct{}

func (s *stubRAG) CollectChunks(_ context.Context, in rag.CollectInput) ([]string, []string) {
	var texts, sources []string
	for _, att := range in.Attachments {
		texts = append(texts, att.Content)
		sources = append(sources, "file:"+att.Name)
	}
	return texts, sources
}

func (s *stubRAG) BuildContext(_ context.Context, texts, _ []string, _ string) string {
	if len(texts) == 0 {
		return ""
	}
	return "retrieved context"
}

func testEngine(t *testing.T, cfg *config.Config, client ports.ChatClient, toolResult string) *Engine {
	t.Helper()
	g, err := graph.Build(graph.Deps{
		LLM:   &stubLLM{client: client},
		Tools: &stubTools{result: toolResult},
		RAG:   &stubRAG{},
		Cfg:   cfg,
	})
	require.NoError(t, err)
	return &Engine{
		cfg:      cfg,
		sessions: session.NewManager(),
		history:  history.NewMemoryHistory(),
		graph:    g,
	}
}

func drain(t *testing.T, ch <-chan graph.Event) []graph.Event {
	t.Helper()
	var events []graph.Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestDirectChatEndToEnd(t *testing.T) {
	cfg := config.DefaultConfig()
	e := testEngine(t, cfg, &scriptedClient{streamText: "hi, how can I help?"}, "")

	events, err := e.ProcessUserRequest(context.Background(), Request{
		Input: "hello", Mode: "direct", SessionID: "s1",
	})
	require.NoError(t, err)
	all := drain(t, events)

	streamed := 0
	for _, ev := range all {
		if ev.Type == graph.EventChatStream {
			streamed++
		}
	}
	assert.GreaterOrEqual(t, streamed, 1)

	end := all[len(all)-1]
	require.Equal(t, graph.EventGraphEnd, end.Type)
	chatHistory, ok := end.Data["chat_history"].([]models.Message)
	require.True(t, ok)
	require.NotEmpty(t, chatHistory)
	assert.Equal(t, models.KindAI, chatHistory[len(chatHistory)-1].Kind)

	stored, err := e.history.ReadLatest(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Content)
	assert.Equal(t, "hi, how can I help?", stored[1].Content)
	for _, msg := range stored {
		assert.Equal(t, "direct", msg.Attributes["mode"])
		assert.NotEmpty(t, msg.Attributes["timestamp"])
	}
}

func TestTagOverrideRoutesToAgent(t *testing.T) {
	cfg := config.DefaultConfig()
	client := &scriptedClient{
		streamText: "done",
		chats: []*ports.ChatResponse{
			{Content: "1. plan"},
			{Content: "finished the refactor"},
		},
	}
	e := testEngine(t, cfg, client, "")

	events, err := e.ProcessUserRequest(context.Background(), Request{
		Input: "<planning>refactor the parser</planning>", Mode: "direct", SessionID: "s1",
	})
	require.NoError(t, err)
	drain(t, events)

	stored, err := e.history.ReadLatest(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "refactor the parser", stored[0].Content)
	assert.Equal(t, "agent", stored[0].Attributes["mode"])
}

func TestSearchWithPrivacyOff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Privacy.AllowWebSearch = false
	e := testEngine(t, cfg, &scriptedClient{streamText: "summary from attachment"}, "")

	events, err := e.ProcessUserRequest(context.Background(), Request{
		Input:     "what does the doc say",
		Mode:      "search",
		SessionID: "s1",
		Attachments: []models.Attachment{
			{Name: "doc.txt", Content: "the doc content"},
		},
	})
	require.NoError(t, err)
	drain(t, events)

	stored, err := e.history.ReadLatest(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "summary from attachment", stored[1].Content)
}

func TestSearchWithPrivacyOffNoAttachments(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Privacy.AllowWebSearch = false
	e := testEngine(t, cfg, &scriptedClient{streamText: "should not appear"}, "")

	events, err := e.ProcessUserRequest(context.Background(), Request{
		Input: "look this up", Mode: "search", SessionID: "s1",
	})
	require.NoError(t, err)
	drain(t, events)

	stored, err := e.history.ReadLatest(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Empty(t, stored[1].Content)
}

func TestReactLoopAppendsHistoryOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	call := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "stub_tool", Arguments: map[string]any{}}
	}
	client := &scriptedClient{
		streamText: "final answer",
		chats: []*ports.ChatResponse{
			{Content: "1. plan"},
			{ToolCalls: []models.ToolCall{call("c1")}},
			{ToolCalls: []models.ToolCall{call("c2")}},
			{Content: "giving up on the tool, wrapping up"},
		},
	}
	e := testEngine(t, cfg, client,
		`{"error":true,"error_code":"timeout","message":"timed out","tool_name":"stub_tool","details":{}}`)

	events, err := e.ProcessUserRequest(context.Background(), Request{
		Input: "do the thing", Mode: "agent", SessionID: "s1",
	})
	require.NoError(t, err)
	drain(t, events)

	stored, err := e.history.ReadLatest(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "final answer", stored[1].Content)
}

func TestEmptyInputRejected(t *testing.T) {
	e := testEngine(t, config.DefaultConfig(), &scriptedClient{}, "")
	_, err := e.ProcessUserRequest(context.Background(), Request{Input: "  ", SessionID: "s1"})
	assert.Error(t, err)
}

func TestMissingSessionRejected(t *testing.T) {
	e := testEngine(t, config.DefaultConfig(), &scriptedClient{}, "")
	_, err := e.ProcessUserRequest(context.Background(), Request{Input: "hello"})
	assert.Error(t, err)
}

func TestSanitizeInputBoundsAndRedacts(t *testing.T) {
	cfg := config.AppConfig{MaxInputLength: 10, DangerousPatterns: []string{"secret"}}
	assert.Equal(t, "0123456789", sanitizeInput("0123456789abc", cfg))
	assert.Equal(t, "[redacted]", sanitizeInput("secret", config.AppConfig{DangerousPatterns: []string{"secret"}}))
}

func TestExtractRouteTag(t *testing.T) {
	cleaned, mode, agentMode := extractRouteTag("<planning>refactor the parser</planning>")
	assert.Equal(t, "refactor the parser", cleaned)
	assert.Equal(t, "agent", mode)
	assert.Equal(t, "high", agentMode)

	cleaned, mode, agentMode = extractRouteTag("<fast>quick one</fast>")
	assert.Equal(t, "quick one", cleaned)
	assert.Equal(t, "agent", mode)
	assert.Equal(t, "fast", agentMode)

	_, mode, _ = extractRouteTag("<chat>hi</chat>")
	assert.Equal(t, "chat", mode)

	cleaned, mode, _ = extractRouteTag("no tags here")
	assert.Equal(t, "no tags here", cleaned)
	assert.Empty(t, mode)

	// Mismatched tags pass through untouched.
	cleaned, mode, _ = extractRouteTag("<planning>oops</fast>")
	assert.Equal(t, "<planning>oops</fast>", cleaned)
	assert.Empty(t, mode)
}

func TestPrepareAttachmentsBase64Decode(t *testing.T) {
	plain := strings.Repeat("hello world ", 12)
	encoded := base64.StdEncoding.EncodeToString([]byte(plain))
	require.Greater(t, len(encoded), 100)

	out := prepareAttachments([]models.Attachment{
		{Name: "doc.txt", Content: encoded},
	}, 262144)
	require.Len(t, out, 1)
	assert.Equal(t, plain, out[0].Content)
}

func TestPrepareAttachmentsPassThrough(t *testing.T) {
	// Short content and non-base64 content pass through unchanged.
	out := prepareAttachments([]models.Attachment{
		{Name: "a", Content: "aGVsbG8="},
		{Name: "b", Content: strings.Repeat("not base64!!", 20)},
	}, 262144)
	require.Len(t, out, 2)
	assert.Equal(t, "aGVsbG8=", out[0].Content)
	assert.Contains(t, out[1].Content, "not base64!!")
}

func TestPrepareAttachmentsDropsOversized(t *testing.T) {
	out := prepareAttachments([]models.Attachment{
		{Name: "big", Content: strings.Repeat("x", 200)},
	}, 100)
	assert.Empty(t, out)
}
