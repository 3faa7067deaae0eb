// Package llm provides OpenAI-compatible clients for local backends and the
// role-keyed service that manages their runner lifecycles.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openlocus/locus/internal/adapters/retry"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// Client is an OpenAI-compatible chat client bound to one backend base URL.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
}

// NewClient creates a chat client. The base URL is normalized so both
// "http://host:port" and "http://host:port/v1" are accepted.
func NewClient(baseURL, model string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	return &Client{
		baseURL:     baseURL,
		model:       model,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		retryConfig: retry.HTTPConfig(),
	}
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
	Logprobs    bool          `json:"logprobs,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	// Local backends accept sampler knobs they do not expose through the
	// standard surface inside extra_body.
	ExtraBody map[string]any `json:"extra_body,omitempty"`
}

func toWire(messages []models.Message, tools []models.Tool, opts ports.ChatOptions, stream bool, model string) chatRequest {
	req := chatRequest{
		Model:       model,
		Stream:      stream,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Logprobs:    opts.Logprobs,
	}

	extra := map[string]any{}
	if opts.TopK > 0 {
		extra["top_k"] = opts.TopK
	}
	if opts.RepeatPenalty > 0 {
		extra["repeat_penalty"] = opts.RepeatPenalty
	}
	if len(extra) > 0 {
		req.ExtraBody = extra
	}

	for _, m := range messages {
		wm := chatMessage{Content: m.Content, ToolCallID: m.ToolCallID}
		switch m.Kind {
		case models.KindHuman:
			wm.Role = "user"
		case models.KindAI:
			wm.Role = "assistant"
		case models.KindSystem:
			wm.Role = "system"
		case models.KindTool:
			wm.Role = "tool"
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		req.Messages = append(req.Messages, wm)
	}

	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.ArgsSchema
		req.Tools = append(req.Tools, wt)
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req
}

func parseToolCall(w wireToolCall) models.ToolCall {
	tc := models.ToolCall{ID: w.ID, Name: w.Function.Name}
	if w.Function.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(w.Function.Arguments), &args); err == nil {
			tc.Arguments = args
		} else {
			tc.Arguments = map[string]any{"_raw": w.Function.Arguments}
		}
	}
	return tc
}

// Chat sends a non-streaming completion request.
func (c *Client) Chat(ctx context.Context, messages []models.Message, tools []models.Tool, opts ports.ChatOptions) (*ports.ChatResponse, error) {
	body, err := json.Marshal(toWire(messages, tools, opts, false, c.model))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
			Logprobs *struct {
				Content []struct {
					Token   string  `json:"token"`
					Logprob float64 `json:"logprob"`
				} `json:"content"`
			} `json:"logprobs"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := parsed.Choices[0]
	out := &ports.ChatResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, parseToolCall(tc))
	}
	if choice.Logprobs != nil {
		for _, lp := range choice.Logprobs.Content {
			out.Logprobs = append(out.Logprobs, models.TokenLogprob{Token: lp.Token, Logprob: lp.Logprob})
		}
	}
	return out, nil
}

// ChatStream sends a streaming completion request, accumulating tool-call
// fragments across deltas before forwarding them whole.
func (c *Client) ChatStream(ctx context.Context, messages []models.Message, tools []models.Tool, opts ports.ChatOptions) (<-chan ports.ChatChunk, error) {
	body, err := json.Marshal(toWire(messages, tools, opts, true, c.model))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("failed to send request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(b))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan ports.ChatChunk, 16)
	go c.readStream(ctx, resp, chunks)
	return chunks, nil
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, chunks chan<- ports.ChatChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var pending *wireToolCall

	flushPending := func() {
		if pending != nil {
			tc := parseToolCall(*pending)
			chunks <- ports.ChatChunk{ToolCall: &tc}
			pending = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- ports.ChatChunk{Err: ctx.Err()}
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				chunks <- ports.ChatChunk{Err: err}
			}
			flushPending()
			chunks <- ports.ChatChunk{Done: true}
			return
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(string(line)), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			flushPending()
			chunks <- ports.ChatChunk{Done: true}
			return
		}

		var delta struct {
			Choices []struct {
				Delta struct {
					Content   string         `json:"content"`
					ToolCalls []wireToolCall `json:"tool_calls"`
				} `json:"delta"`
				Logprobs *struct {
					Content []struct {
						Token   string  `json:"token"`
						Logprob float64 `json:"logprob"`
					} `json:"content"`
				} `json:"logprobs"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &delta); err != nil || len(delta.Choices) == 0 {
			continue
		}

		choice := delta.Choices[0]

		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			if tc.ID != "" {
				flushPending()
				copied := tc
				pending = &copied
			} else if pending != nil {
				pending.Function.Arguments += tc.Function.Arguments
			}
		}

		if choice.Logprobs != nil {
			for _, lp := range choice.Logprobs.Content {
				chunks <- ports.ChatChunk{Logprob: &models.TokenLogprob{Token: lp.Token, Logprob: lp.Logprob}}
			}
		}

		if choice.Delta.Content != "" {
			chunks <- ports.ChatChunk{Content: choice.Delta.Content}
		}

		if choice.FinishReason != "" {
			flushPending()
			chunks <- ports.ChatChunk{Done: true}
			return
		}
	}
}
