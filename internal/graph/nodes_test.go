package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
	"github.com/openlocus/locus/internal/rag"
)

// scriptedClient replays queued Chat responses and streams a fixed text.
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

type stubLLM struct {
	client ports.ChatClient
}

func (s *stubLLM) GetClient(_ context.Context, _ ports.Role, _ string, _ string) (ports.ChatClient, error) {
	return s.client, nil
}

func (s *stubLLM) GetEmbeddingClient(_ context.Context) (ports.EmbeddingClient, error) {
	return nil, assert.AnError
}

func (s *stubLLM) CountTokens(_ context.Context, _ []models.Message) (int, error) { return 0, nil }
func (s *stubLLM) Cleanup()                                                       {}

// stubTools answers every call with a fixed result string.
type stubTools struct {
	result string
	calls  int
}

func (s *stubTools) Execute(name string, args map[string]any) string {
	return s.AExecute(context.Background(), name, args)
}

func (s *stubTools) AExecute(_ context.Context, name string, args map[string]any) string {
	s.calls++
	return s.result
}

func (s *stubTools) List() []models.Tool {
	return []models.Tool{{Name: "stub_tool", Description: "stub"}}
}

func (s *stubTools) Has(name string) bool { return true }

type stubRAG struct {
	context string
}

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
	return s.context
}

func testDeps(client ports.ChatClient, toolResult string) (Deps, *stubTools) {
	tools := &stubTools{result: toolResult}
	return Deps{
		LLM:   &stubLLM{client: client},
		Tools: tools,
		RAG:   &stubRAG{context: "retrieved context"},
		Cfg:   config.DefaultConfig(),
	}, tools
}

func runToEnd(t *testing.T, g *Graph, state *State, cfg RunConfig) []Event {
	t.Helper()
	ch, err := g.Run(context.Background(), state, cfg)
	require.NoError(t, err)
	return collectEvents(t, ch)
}

func TestDirectChatStreamsAndUpdatesHistory(t *testing.T) {
	client := &scriptedClient{streamText: "Hello there!"}
	deps, _ := testDeps(client, "")
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "hello", Mode: "direct", SessionID: "s1"}
	events := runToEnd(t, g, state, RunConfig{})

	streamed := 0
	for _, e := range events {
		if e.Type == EventChatStream {
			streamed++
		}
	}
	assert.GreaterOrEqual(t, streamed, 1)

	assert.Equal(t, "Hello there!", state.FinalContent)
	require.Len(t, state.UpdatedHistory, 2)
	assert.Equal(t, models.KindHuman, state.UpdatedHistory[0].Kind)
	assert.Equal(t, models.KindAI, state.UpdatedHistory[1].Kind)
	assert.Equal(t, EventGraphEnd, events[len(events)-1].Type)
}

func TestReactLoopTerminatesAfterRetries(t *testing.T) {
	call := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "stub_tool", Arguments: map[string]any{}}
	}
	client := &scriptedClient{
		streamText: "final answer",
		// One plan, two tool rounds, then a plain-text finish.
		chats: []*ports.ChatResponse{
			{Content: "1. try the tool"},
			{ToolCalls: []models.ToolCall{call("c1")}},
			{ToolCalls: []models.ToolCall{call("c2")}},
			{Content: "the tool keeps timing out, finishing up"},
		},
	}
	deps, tools := testDeps(client, `{"error":true,"error_code":"timeout","message":"timed out","tool_name":"stub_tool","details":{}}`)
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "do the thing", Mode: "agent", SessionID: "s1"}
	runToEnd(t, g, state, RunConfig{RecursionLimit: 10})

	toolMsgs := 0
	for _, msg := range state.Scratchpad {
		if msg.Kind == models.KindTool {
			toolMsgs++
		}
	}
	assert.Equal(t, 2, toolMsgs)
	assert.Equal(t, 2, tools.calls)
	assert.Equal(t, "final answer", state.AgentOutcome)
	require.NotEmpty(t, state.UpdatedHistory)
	assert.Equal(t, models.KindAI, state.UpdatedHistory[len(state.UpdatedHistory)-1].Kind)
}

func TestReactRecursionLimitSummarizes(t *testing.T) {
	// The reasoner always asks for another tool call; the limit must cut in.
	looping := &loopingClient{}
	deps, _ := testDeps(looping, `{"observation":"fine"}`)
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "loop forever", Mode: "agent"}
	runToEnd(t, g, state, RunConfig{RecursionLimit: 3})

	assert.NotEmpty(t, state.AgentOutcome)
	assert.Contains(t, state.AgentOutcome, "step limit")
}

type loopingClient struct{ n int }

func (c *loopingClient) Chat(_ context.Context, _ []models.Message, _ []models.Tool, _ ports.ChatOptions) (*ports.ChatResponse, error) {
	c.n++
	return &ports.ChatResponse{ToolCalls: []models.ToolCall{
		{ID: "loop", Name: "stub_tool", Arguments: map[string]any{}},
	}}, nil
}

func (c *loopingClient) ChatStream(_ context.Context, _ []models.Message, _ []models.Tool, _ ports.ChatOptions) (<-chan ports.ChatChunk, error) {
	ch := make(chan ports.ChatChunk, 2)
	ch <- ports.ChatChunk{Content: "stream"}
	ch <- ports.ChatChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestSearchWithPrivacyOffAttachmentOnly(t *testing.T) {
	client := &scriptedClient{streamText: "summary of the attachment"}
	deps, tools := testDeps(client, "")
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{
		Input:         "what does the doc say",
		Mode:          "search",
		SkipWebSearch: true,
		Attachments:   []models.Attachment{{Name: "doc.txt", Content: "doc content"}},
	}
	runToEnd(t, g, state, RunConfig{})

	assert.Empty(t, state.SearchResults)
	assert.Zero(t, tools.calls)
	assert.Equal(t, "summary of the attachment", state.FinalContent)
}

func TestSearchWithPrivacyOffNoAttachmentsEmptyResponse(t *testing.T) {
	client := &scriptedClient{streamText: "should not be produced"}
	deps, _ := testDeps(client, "")
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "look this up", Mode: "search", SkipWebSearch: true}
	runToEnd(t, g, state, RunConfig{})
	assert.Empty(t, state.FinalContent)
}

func TestReactEmptyResponseRetries(t *testing.T) {
	client := &scriptedClient{
		streamText: "recovered",
		// Plan, then an empty (malformed) step that triggers a correction
		// note, then a plain finish.
		chats: []*ports.ChatResponse{
			{Content: "1. plan"},
			{Content: ""},
			{Content: "all done"},
		},
	}
	deps, _ := testDeps(client, "")
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "try", Mode: "agent"}
	runToEnd(t, g, state, RunConfig{RecursionLimit: 10})

	assert.Equal(t, "recovered", state.AgentOutcome)
	foundCorrection := false
	for _, msg := range state.Scratchpad {
		if msg.Kind == models.KindSystem {
			foundCorrection = true
		}
	}
	assert.True(t, foundCorrection)
}

func TestStatsRoute(t *testing.T) {
	client := &scriptedClient{streamText: "unused"}
	deps, _ := testDeps(client, "")
	g, err := Build(deps)
	require.NoError(t, err)

	state := &State{Input: "stats please", Mode: "stats"}
	events := runToEnd(t, g, state, RunConfig{})

	assert.Contains(t, state.FinalContent, "Tools available")
	assert.Empty(t, state.UpdatedHistory)
	assert.Equal(t, EventGraphEnd, events[len(events)-1].Type)
}

var _ ports.LLMService = (*stubLLM)(nil)
var _ ports.ToolExecutor = (*stubTools)(nil)
var _ Retriever = (*stubRAG)(nil)
