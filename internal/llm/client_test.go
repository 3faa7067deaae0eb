package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

func TestChatParsesContentAndToolCalls(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"content": "checking the weather",
					"tool_calls": [{
						"id": "call_1", "type": "function",
						"function": {"name": "web_search", "arguments": "{\"query\": \"weather\"}"}
					}]
				},
				"logprobs": {"content": [{"token": "check", "logprob": -0.5}]}
			}]
		}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-model")
	resp, err := client.Chat(context.Background(),
		[]models.Message{models.NewHumanMessage("what is the weather")},
		[]models.Tool{{Name: "web_search", Description: "search", ArgsSchema: map[string]any{"type": "object"}}},
		ports.ChatOptions{Temperature: 0.7, TopK: 40, RepeatPenalty: 1.1, Logprobs: true})
	require.NoError(t, err)

	assert.Equal(t, "checking the weather", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"query": "weather"}, resp.ToolCalls[0].Arguments)
	require.Len(t, resp.Logprobs, 1)
	assert.Equal(t, -0.5, resp.Logprobs[0].Logprob)

	// Sampler knobs outside the standard surface travel in extra_body.
	require.NotNil(t, gotReq.ExtraBody)
	assert.EqualValues(t, 40, gotReq.ExtraBody["top_k"])
	assert.EqualValues(t, 1.1, gotReq.ExtraBody["repeat_penalty"])
	assert.True(t, gotReq.Logprobs)
	assert.Equal(t, "auto", gotReq.ToolChoice)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestChatStreamAccumulatesToolCallFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`{"choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"look."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"id":"call_9","type":"function","function":{"name":"calculator","arguments":"{\"expr"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"ession\": \"2+2\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL+"/v1", "test-model")
	chunks, err := client.ChatStream(context.Background(), []models.Message{models.NewHumanMessage("2+2?")}, nil, ports.ChatOptions{})
	require.NoError(t, err)

	var content string
	var toolCalls []models.ToolCall
	done := false
	for ch := range chunks {
		require.NoError(t, ch.Err)
		content += ch.Content
		if ch.ToolCall != nil {
			toolCalls = append(toolCalls, *ch.ToolCall)
		}
		if ch.Done {
			done = true
		}
	}

	assert.True(t, done)
	assert.Equal(t, "Let me look.", content)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "call_9", toolCalls[0].ID)
	assert.Equal(t, "calculator", toolCalls[0].Name)
	assert.Equal(t, map[string]any{"expression": "2+2"}, toolCalls[0].Arguments)
}

func TestChatStreamForwardsLogprobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"logprobs\":{\"content\":[{\"token\":\"hi\",\"logprob\":-0.1}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "m")
	chunks, err := client.ChatStream(context.Background(), []models.Message{models.NewHumanMessage("hi")}, nil, ports.ChatOptions{Logprobs: true})
	require.NoError(t, err)

	var lps []models.TokenLogprob
	for ch := range chunks {
		if ch.Logprob != nil {
			lps = append(lps, *ch.Logprob)
		}
	}
	require.Len(t, lps, 1)
	assert.Equal(t, "hi", lps[0].Token)
}

func TestChatErrorStatusSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "m")
	_, err := client.Chat(context.Background(), []models.Message{models.NewHumanMessage("hi")}, nil, ports.ChatOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		// Deliberately out of order.
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		]}`)
	}))
	defer server.Close()

	client := NewEmbeddingClient(server.URL, "emb", 3)
	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0}, vecs[1])
}

func TestEmbedDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	defer server.Close()

	client := NewEmbeddingClient(server.URL, "emb", 3)
	_, err := client.Embed(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}
