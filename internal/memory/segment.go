// Package memory implements episodic memory: surprise-based segmentation of
// token streams, graph-theoretic boundary refinement, and two-stage recall
// over a vector store.
package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/openlocus/locus/internal/domain/models"
)

// SurpriseFromLogprobs converts token log-probabilities to surprise scores.
// Surprise is -logP, floored at zero.
func SurpriseFromLogprobs(logprobs []float64) []float64 {
	scores := make([]float64, len(logprobs))
	for i, lp := range logprobs {
		s := -lp
		if s < 0 {
			s = 0
		}
		scores[i] = s
	}
	return scores
}

// detectBoundaries returns the sorted, deduplicated boundary positions for a
// surprise sequence, always including 0 and len(scores). A position i is a
// boundary when its score exceeds mean + gamma*stddev of the preceding
// window.
func detectBoundaries(scores []float64, window int, gamma float64) []int {
	n := len(scores)
	if n == 0 {
		return nil
	}
	boundarySet := map[int]struct{}{0: {}, n: {}}

	if n >= window {
		for i := window; i < n; i++ {
			mean, stddev := meanStddev(scores[i-window : i])
			if scores[i] > mean+gamma*stddev {
				boundarySet[i] = struct{}{}
			}
		}
	}

	boundaries := make([]int, 0, len(boundarySet))
	for b := range boundarySet {
		boundaries = append(boundaries, b)
	}
	sort.Ints(boundaries)
	return boundaries
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// buildEvents materializes events between successive boundaries, merging
// spans below minEventSize into their predecessor and splitting spans above
// maxEventSize.
func buildEvents(tokens []string, scores []float64, boundaries []int, cfg models.EMConfig) []*models.EpisodicEvent {
	if len(boundaries) < 2 {
		return nil
	}

	// Merge undersized spans forward.
	spans := make([][2]int, 0, len(boundaries)-1)
	for i := 0; i+1 < len(boundaries); i++ {
		spans = append(spans, [2]int{boundaries[i], boundaries[i+1]})
	}
	merged := make([][2]int, 0, len(spans))
	for _, span := range spans {
		size := span[1] - span[0]
		if size < cfg.MinEventSize && len(merged) > 0 {
			merged[len(merged)-1][1] = span[1]
			continue
		}
		merged = append(merged, span)
	}
	// A leading undersized span merges into the following one.
	if len(merged) >= 2 && merged[0][1]-merged[0][0] < cfg.MinEventSize {
		merged[1][0] = merged[0][0]
		merged = merged[1:]
	}

	var events []*models.EpisodicEvent
	for _, span := range merged {
		for start := span[0]; start < span[1]; {
			end := span[1]
			if end-start > cfg.MaxEventSize {
				end = start + cfg.MaxEventSize
				// Avoid leaving a stub below the minimum.
				if span[1]-end < cfg.MinEventSize {
					end = span[1] - cfg.MinEventSize
				}
			}
			events = append(events, &models.EpisodicEvent{
				Tokens:         append([]string(nil), tokens[start:end]...),
				SurpriseScores: append([]float64(nil), scores[start:end]...),
				StartPos:       start,
				EndPos:         end,
			})
			start = end
		}
	}
	return events
}

// SegmentBySurprise builds events from a token stream and its surprise
// scores. A sequence shorter than the surprise window yields one event.
func SegmentBySurprise(tokens []string, scores []float64, cfg models.EMConfig) []*models.EpisodicEvent {
	if len(tokens) == 0 || len(tokens) != len(scores) {
		return nil
	}
	boundaries := detectBoundaries(scores, cfg.SurpriseWindow, cfg.SurpriseGamma)
	return buildEvents(tokens, scores, boundaries, cfg)
}

var sentenceEnd = regexp.MustCompile(`(?m)([.!?]+)\s+`)

// SplitSentences breaks text into sentences for the semantic-change path.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// SegmentBySemanticChange builds events from sentence embeddings when no
// logprobs are available. Consecutive-sentence cosine distances play the
// role of surprise; each sentence's words inherit its change score.
func SegmentBySemanticChange(sentences []string, embeddings [][]float32, cfg models.EMConfig) []*models.EpisodicEvent {
	if len(sentences) == 0 || len(sentences) != len(embeddings) {
		return nil
	}

	changeScores := make([]float64, len(sentences))
	for i := 1; i < len(sentences); i++ {
		changeScores[i] = cosineDistance(embeddings[i-1], embeddings[i])
	}

	sentenceBoundaries := detectBoundaries(changeScores, cfg.SurpriseWindow, cfg.SurpriseGamma)

	// Flatten sentences to tokens, translating sentence boundaries into
	// token positions.
	var tokens []string
	var scores []float64
	tokenStart := make([]int, len(sentences)+1)
	for i, sentence := range sentences {
		tokenStart[i] = len(tokens)
		words := strings.Fields(sentence)
		tokens = append(tokens, words...)
		for range words {
			scores = append(scores, changeScores[i])
		}
	}
	tokenStart[len(sentences)] = len(tokens)

	boundarySet := map[int]struct{}{}
	for _, sb := range sentenceBoundaries {
		boundarySet[tokenStart[sb]] = struct{}{}
	}
	boundarySet[0] = struct{}{}
	boundarySet[len(tokens)] = struct{}{}
	boundaries := make([]int, 0, len(boundarySet))
	for b := range boundarySet {
		boundaries = append(boundaries, b)
	}
	sort.Ints(boundaries)

	return buildEvents(tokens, scores, boundaries, cfg)
}

func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
