package rag

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
	"github.com/openlocus/locus/internal/tools"
)

// Engine collects source text from web pages and attachments, chunks it, and
// assembles a similarity-ranked context block for the summarization prompt.
type Engine struct {
	cfg      config.RAGConfig
	splitter *Splitter
	embedder ports.EmbeddingClient
}

func NewEngine(cfg config.RAGConfig, embedder ports.EmbeddingClient) *Engine {
	return &Engine{
		cfg:      cfg,
		splitter: NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder: embedder,
	}
}

// CollectInput names the sources one collection pass draws from.
type CollectInput struct {
	TopURL       string
	Attachments  []models.Attachment
	Tools        ports.ToolExecutor
	SkipWebFetch bool
}

// CollectChunks gathers chunked text from the top search hit and any
// attachments. Each returned text is paired with the source it came from.
// Fetch failures are logged and skipped; collection never fails outright.
func (e *Engine) CollectChunks(ctx context.Context, in CollectInput) (texts, sources []string) {
	if in.TopURL != "" && !in.SkipWebFetch && in.Tools != nil && in.Tools.Has("web_fetch") {
		if content := e.fetchPage(ctx, in.Tools, in.TopURL); content != "" {
			for _, chunk := range e.splitter.Split(content) {
				texts = append(texts, chunk)
				sources = append(sources, in.TopURL)
			}
		}
	}

	for _, att := range in.Attachments {
		source := "file:" + att.Name
		for _, chunk := range e.splitter.Split(att.Content) {
			texts = append(texts, chunk)
			sources = append(sources, source)
		}
	}
	return texts, sources
}

func (e *Engine) fetchPage(ctx context.Context, executor ports.ToolExecutor, pageURL string) string {
	result := executor.AExecute(ctx, "web_fetch", map[string]any{"url": pageURL})
	if env, ok := tools.ParseErrorEnvelope(result); ok {
		log.Printf("[RAG] Web fetch for %s failed: %s", pageURL, env.Message)
		return ""
	}

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		log.Printf("[RAG] Unexpected web fetch result for %s: %v", pageURL, err)
		return ""
	}
	if strings.TrimSpace(payload.Content) == "" {
		log.Printf("[RAG] Web fetch for %s returned no readable content", pageURL)
		return ""
	}
	return payload.Content
}

type scoredChunk struct {
	index int
	score float64
}

// BuildContext embeds the query and the collected chunks, ranks chunks by
// cosine similarity, and joins the top ones into a single context block.
// Returns "" when nothing usable survives embedding.
func (e *Engine) BuildContext(ctx context.Context, texts, sources []string, query string) string {
	if len(texts) == 0 || len(texts) != len(sources) {
		return ""
	}

	queryEmb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[RAG] Failed to embed query: %v", err)
		return ""
	}

	batchSize := e.cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	var scored []scoredChunk
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embs, err := e.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			log.Printf("[RAG] Embedding batch %d-%d failed, skipping: %v", start, end, err)
			continue
		}
		for i, emb := range embs {
			scored = append(scored, scoredChunk{
				index: start + i,
				score: cosineSimilarity(queryEmb, emb),
			})
		}
	}
	if len(scored) == 0 {
		return ""
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	topK := e.cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}

	parts := make([]string, 0, len(scored))
	for _, sc := range scored {
		parts = append(parts, "[Source: "+sources[sc.index]+"] "+texts[sc.index])
	}
	block := strings.Join(parts, "\n\n---\n\n")

	maxChars := e.cfg.MaxContextChars
	if maxChars > 0 && len(block) > maxChars {
		block = block[:maxChars]
	}
	return block
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
