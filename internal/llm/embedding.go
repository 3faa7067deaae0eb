package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openlocus/locus/internal/adapters/circuitbreaker"
	"github.com/openlocus/locus/internal/adapters/retry"
)

// EmbeddingClient talks to an OpenAI-compatible /v1/embeddings endpoint. A
// circuit breaker keeps a wedged backend from stalling every memory write.
type EmbeddingClient struct {
	baseURL     string
	model       string
	dimensions  int
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	retryConfig retry.BackoffConfig
}

func NewEmbeddingClient(baseURL, model string, dimensions int) *EmbeddingClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")
	return &EmbeddingClient{
		baseURL:     baseURL,
		model:       model,
		dimensions:  dimensions,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		retryConfig: retry.HTTPConfig(),
	}
}

func (c *EmbeddingClient) Dimensions() int { return c.dimensions }

// ResetBreaker reopens the client after its backend has been restarted.
func (c *EmbeddingClient) ResetBreaker() { c.breaker.Reset() }

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	err := c.breaker.Execute(func() error {
		var innerErr error
		out, innerErr = c.embed(ctx, texts)
		return innerErr
	})
	return out, err
}

func (c *EmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
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
			return resp.StatusCode, fmt.Errorf("embeddings API error: %s - %s", resp.Status, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings count mismatch: got %d, want %d", len(parsed.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embeddings index out of range: %d", d.Index)
		}
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(d.Embedding), c.dimensions)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return vecs, nil
}
