package contextwin

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/domain/models"
)

func msg(content string) models.Message { return models.NewHumanMessage(content) }

func TestBuildLocalContextKeepsNewestFirst(t *testing.T) {
	history := []models.Message{
		msg(strings.Repeat("a", 40)), // 10 tokens
		msg(strings.Repeat("b", 40)), // 10 tokens
		msg(strings.Repeat("c", 40)), // 10 tokens
	}

	kept, total := BuildLocalContext(context.Background(), history, 20, nil)
	require.Len(t, kept, 2)
	assert.Equal(t, history[1].Content, kept[0].Content)
	assert.Equal(t, history[2].Content, kept[1].Content)
	assert.Equal(t, 20, total)
}

func TestBuildLocalContextAlwaysKeepsNewest(t *testing.T) {
	history := []models.Message{
		msg("short"),
		msg(strings.Repeat("x", 4000)), // 1000 tokens, over any small budget
	}

	kept, total := BuildLocalContext(context.Background(), history, 10, nil)
	require.Len(t, kept, 1)
	assert.Equal(t, history[1].Content, kept[0].Content)
	assert.Equal(t, 1000, total)
}

func TestBuildLocalContextEmptyHistory(t *testing.T) {
	kept, total := BuildLocalContext(context.Background(), nil, 100, nil)
	assert.Nil(t, kept)
	assert.Zero(t, total)
}

func TestBuildLocalContextUsesCounter(t *testing.T) {
	history := []models.Message{msg("one"), msg("two"), msg("three")}
	counter := func(ctx context.Context, text string) (int, error) {
		return 7, nil
	}

	kept, total := BuildLocalContext(context.Background(), history, 14, counter)
	assert.Len(t, kept, 2)
	assert.Equal(t, 14, total)
}

func TestBuildLocalContextCounterFailureFallsBack(t *testing.T) {
	history := []models.Message{msg(strings.Repeat("z", 8))} // 2 tokens estimated
	counter := func(ctx context.Context, text string) (int, error) {
		return 0, fmt.Errorf("tokenizer offline")
	}

	kept, total := BuildLocalContext(context.Background(), history, 100, counter)
	assert.Len(t, kept, 1)
	assert.Equal(t, 2, total)
}

func TestBuildLocalContextDoesNotMutateInput(t *testing.T) {
	history := []models.Message{msg("a"), msg("b")}
	kept, _ := BuildLocalContext(context.Background(), history, 100, nil)
	kept[0].Content = "mutated"
	assert.Equal(t, "a", history[0].Content)
}
