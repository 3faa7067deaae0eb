// Package contextwin trims chat history to a token budget.
package contextwin

import (
	"context"

	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// estimateTokens approximates the token cost of text at four characters per
// token, rounded up.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// BuildLocalContext walks history newest-first, keeping messages until the
// budget is exhausted. The newest message is always kept even when it alone
// exceeds maxTokens. A nil or failing counter falls back to the length
// estimate. Pure function: the input slice is never mutated.
func BuildLocalContext(ctx context.Context, history []models.Message, maxTokens int, counter ports.TokenCounter) ([]models.Message, int) {
	if len(history) == 0 {
		return nil, 0
	}

	count := func(m models.Message) int {
		if counter != nil {
			if n, err := counter(ctx, m.Content); err == nil {
				return n
			}
		}
		return estimateTokens(m.Content)
	}

	total := 0
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := count(history[i])
		if keepFrom < len(history) && total+cost > maxTokens {
			break
		}
		total += cost
		keepFrom = i
	}

	kept := make([]models.Message, len(history)-keepFrom)
	copy(kept, history[keepFrom:])
	return kept, total
}
