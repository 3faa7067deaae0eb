package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// SynthesizedPlaceholder is returned as the synthesized memory string when
// recall fails or finds nothing.
const SynthesizedPlaceholder = "No relevant episodic memories were found."

// Service forms episodic events from conversation streams and recalls them
// through two-stage retrieval. Every operation is best-effort: failures are
// logged and produce empty results, never errors that fail a turn.
type Service struct {
	store    ports.VectorStore
	embedder ports.EmbeddingClient
	cfg      models.EMConfig

	now func() time.Time
}

func NewService(store ports.VectorStore, embedder ports.EmbeddingClient, cfg models.EMConfig) *Service {
	return &Service{store: store, embedder: embedder, cfg: cfg, now: time.Now}
}

// FormFromLogprobs segments a token stream by surprise and persists the
// resulting events. The optional signal (attention keys or per-token
// embeddings) drives boundary refinement.
func (s *Service) FormFromLogprobs(ctx context.Context, sessionID string, tokens []string, logprobs []float64, signal [][]float32) []*models.EpisodicEvent {
	if len(tokens) == 0 || len(tokens) != len(logprobs) {
		return nil
	}
	scores := SurpriseFromLogprobs(logprobs)
	events := SegmentBySurprise(tokens, scores, s.cfg)
	if s.cfg.UseBoundaryRefinement && len(signal) == len(tokens) {
		events = RefineEvents(events, signal, s.cfg)
	}
	s.persist(ctx, sessionID, events)
	return events
}

// FormFromText segments raw text by semantic change between sentences. Used
// when the generating backend exposes no logprobs.
func (s *Service) FormFromText(ctx context.Context, sessionID, text string) []*models.EpisodicEvent {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		log.Printf("[Memory] Sentence embedding failed, skipping formation: %v", err)
		return nil
	}
	events := SegmentBySemanticChange(sentences, embeddings, s.cfg)
	if s.cfg.UseBoundaryRefinement {
		// Sentence embeddings expanded per token serve as the fallback
		// refinement signal.
		var signal [][]float32
		for i, sentence := range sentences {
			for range strings.Fields(sentence) {
				signal = append(signal, embeddings[i])
			}
		}
		total := 0
		for _, e := range events {
			total += len(e.Tokens)
		}
		if len(signal) == total {
			events = RefineEvents(events, signal, s.cfg)
		}
	}
	s.persist(ctx, sessionID, events)
	return events
}

// persist selects representative tokens, embeds them, and stores one record
// per event. Failures are logged and swallowed.
func (s *Service) persist(ctx context.Context, sessionID string, events []*models.EpisodicEvent) {
	for _, event := range events {
		s.selectRepresentatives(event)

		texts := make([]string, 0, len(event.RepresentativeTokenIdx))
		for _, idx := range event.RepresentativeTokenIdx {
			texts = append(texts, event.Tokens[idx])
		}
		if len(texts) == 0 {
			texts = []string{strings.Join(event.Tokens, " ")}
		}

		embeddings, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			log.Printf("[Memory] Failed to embed event %d-%d: %v", event.StartPos, event.EndPos, err)
			continue
		}
		event.RepresentativeEmbeddings = embeddings

		id := fmt.Sprintf("em_event_%d_%d", event.StartPos, event.EndPos)
		metadata := map[string]any{
			"session_id":   sessionID,
			"start_pos":    event.StartPos,
			"end_pos":      event.EndPos,
			"created_ts":   s.now().Unix(),
			"avg_surprise": event.AvgSurprise(),
			"max_surprise": event.MaxSurprise(),
			"token_count":  len(event.Tokens),
		}
		if event.Summary != "" {
			metadata["summary"] = event.Summary
		}
		if len(event.RepresentativeTokenIdx) > 0 {
			metadata["representative_tokens"] = strings.Join(texts, " ")
		}

		err = s.store.Add(ctx,
			[]string{id},
			[][]float32{meanEmbedding(embeddings)},
			[]string{strings.Join(event.Tokens, " ")},
			[]map[string]any{metadata})
		if err != nil {
			log.Printf("[Memory] Failed to store event %s: %v", id, err)
			continue
		}
		metrics.MemoryEventsFormed.Inc()
	}
}

// selectRepresentatives picks up to reprTopK token indices by descending
// surprise, then sorts the selection ascending.
func (s *Service) selectRepresentatives(event *models.EpisodicEvent) {
	k := s.cfg.ReprTopK
	if k <= 0 || len(event.Tokens) == 0 {
		return
	}
	if k > len(event.Tokens) {
		k = len(event.Tokens)
	}
	indices := make([]int, len(event.Tokens))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return event.SurpriseScores[indices[a]] > event.SurpriseScores[indices[b]]
	})
	selected := append([]int(nil), indices[:k]...)
	sort.Ints(selected)
	event.RepresentativeTokenIdx = selected
}

func meanEmbedding(embeddings [][]float32) []float32 {
	if len(embeddings) == 0 {
		return nil
	}
	mean := make([]float32, len(embeddings[0]))
	for _, emb := range embeddings {
		for i := range mean {
			if i < len(emb) {
				mean[i] += emb[i]
			}
		}
	}
	for i := range mean {
		mean[i] /= float32(len(embeddings))
	}
	return mean
}

type candidate struct {
	id       string
	document string
	metadata map[string]any
	score    float64
}

// Recall retrieves up to totalRetrievedEvents episodes for a query through a
// similarity buffer and a contiguity buffer. On failure it returns an empty
// slice and the placeholder string.
func (s *Service) Recall(ctx context.Context, sessionID, query string) ([]models.RecalledEpisode, string) {
	k := s.cfg.TotalRetrievedEvents
	if k <= 0 {
		return nil, SynthesizedPlaceholder
	}
	// Ks is the floored share of the budget; a ratio small enough to floor
	// to zero disables the similarity buffer, and with it the contiguity
	// stage that seeds from it.
	ks := int(float64(k) * s.cfg.SimilarityBufferRatio)
	kc := k - ks

	queryEmb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[Memory] Query embedding failed: %v", err)
		metrics.MemoryRetrievalsTotal.WithLabelValues("error").Inc()
		return nil, SynthesizedPlaceholder
	}

	where := map[string]any{}
	if sessionID != "" {
		where["session_id"] = sessionID
	}

	// Stage 1: similarity buffer. Over-fetch to leave room for the recency
	// re-rank.
	result, err := s.store.Query(ctx, [][]float32{queryEmb}, ks*2, where)
	if err != nil {
		log.Printf("[Memory] Similarity query failed: %v", err)
		metrics.MemoryRetrievalsTotal.WithLabelValues("error").Inc()
		return nil, SynthesizedPlaceholder
	}

	similar := rerankByRecency(result, s.cfg.RecencyWeight)
	if len(similar) > ks {
		similar = similar[:ks]
	}

	seen := make(map[string]struct{}, len(similar))
	for _, c := range similar {
		seen[posKey(c.metadata)] = struct{}{}
	}

	// Stage 2: contiguity buffer around the stage-1 events.
	merged := similar
	if kc > 0 && len(similar) > 0 {
		var clauses []map[string]any
		for _, c := range similar {
			startPos, endPos, ok := eventSpan(c.metadata)
			if !ok {
				continue
			}
			before := map[string]any{"end_pos": startPos}
			after := map[string]any{"start_pos": endPos}
			if sessionID != "" {
				before["session_id"] = sessionID
				after["session_id"] = sessionID
			}
			clauses = append(clauses, before, after)
		}
		if len(clauses) > 0 {
			contigResult, err := s.store.Query(ctx, [][]float32{queryEmb}, kc+len(similar), map[string]any{"$or": clauses})
			if err != nil {
				log.Printf("[Memory] Contiguity query failed: %v", err)
			} else {
				added := 0
				for i, id := range contigResult.IDs {
					meta := metadataAt(contigResult, i)
					key := posKey(meta)
					if _, dup := seen[key]; dup {
						continue
					}
					if added >= kc {
						break
					}
					seen[key] = struct{}{}
					merged = append(merged, candidate{
						id:       id,
						document: contigResult.Documents[i],
						metadata: meta,
						score:    1 - contigResult.Distances[i],
					})
					added++
				}
			}
		}
	}

	// Order by start position and cap at K.
	sort.SliceStable(merged, func(a, b int) bool {
		sa, _, _ := eventSpan(merged[a].metadata)
		sb, _, _ := eventSpan(merged[b].metadata)
		return sa < sb
	})
	if len(merged) > k {
		merged = merged[:k]
	}

	episodes := make([]models.RecalledEpisode, 0, len(merged))
	for rank, c := range merged {
		episodes = append(episodes, toEpisode(c, rank))
	}
	metrics.MemoryRetrievalsTotal.WithLabelValues("ok").Inc()

	if len(episodes) == 0 {
		return episodes, SynthesizedPlaceholder
	}
	return episodes, synthesize(episodes)
}

// rerankByRecency converts distances to similarities, applies the recency
// boost score += w * (ts / maxTs), and sorts descending.
func rerankByRecency(result *ports.QueryResult, weight float64) []candidate {
	var maxTs float64
	for i := range result.IDs {
		if ts, ok := numericMeta(metadataAt(result, i), "created_ts"); ok && ts > maxTs {
			maxTs = ts
		}
	}

	candidates := make([]candidate, 0, len(result.IDs))
	for i, id := range result.IDs {
		meta := metadataAt(result, i)
		score := 1 - result.Distances[i]
		if maxTs > 0 {
			if ts, ok := numericMeta(meta, "created_ts"); ok {
				score += weight * (ts / maxTs)
			}
		}
		candidates = append(candidates, candidate{
			id:       id,
			document: result.Documents[i],
			metadata: meta,
			score:    score,
		})
	}
	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].score > candidates[b].score })
	return candidates
}

func metadataAt(result *ports.QueryResult, i int) map[string]any {
	if i < len(result.Metadatas) {
		return result.Metadatas[i]
	}
	return nil
}

func numericMeta(meta map[string]any, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func eventSpan(meta map[string]any) (int, int, bool) {
	start, ok1 := numericMeta(meta, "start_pos")
	end, ok2 := numericMeta(meta, "end_pos")
	return int(start), int(end), ok1 && ok2
}

func posKey(meta map[string]any) string {
	start, end, _ := eventSpan(meta)
	return fmt.Sprintf("%d:%d", start, end)
}

func toEpisode(c candidate, rank int) models.RecalledEpisode {
	start, end, _ := eventSpan(c.metadata)
	mean, _ := numericMeta(c.metadata, "avg_surprise")
	max, _ := numericMeta(c.metadata, "max_surprise")
	size, _ := numericMeta(c.metadata, "token_count")

	ep := models.RecalledEpisode{
		ID:            c.id,
		Content:       c.document,
		SurpriseStats: models.SurpriseStats{Mean: mean, Max: max, Size: int(size)},
		RetrievalRank: rank,
		StartPos:      start,
		EndPos:        end,
		Metadata:      c.metadata,
	}
	if c.metadata != nil {
		if summary, ok := c.metadata["summary"].(string); ok {
			ep.Summary = summary
		}
		if repr, ok := c.metadata["representative_tokens"].(string); ok {
			ep.RepresentativeTokens = strings.Fields(repr)
		}
	}
	return ep
}

// synthesize joins recalled episodes into one context string for prompts.
func synthesize(episodes []models.RecalledEpisode) string {
	var b strings.Builder
	b.WriteString("Relevant past conversation fragments:\n")
	for _, ep := range episodes {
		text := ep.Summary
		if text == "" {
			text = ep.Content
		}
		fmt.Fprintf(&b, "- %s\n", text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Stats reports the size of the episodic store.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event_count":        count,
		"surprise_window":    s.cfg.SurpriseWindow,
		"refinement_enabled": s.cfg.UseBoundaryRefinement,
		"refinement_metric":  string(s.cfg.RefinementMetric),
		"retrieval_budget":   s.cfg.TotalRetrievedEvents,
		"similarity_ratio":   s.cfg.SimilarityBufferRatio,
	}, nil
}
