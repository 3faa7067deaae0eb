package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/domain/models"
)

func TestMemoryAppendAndReadLatest(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, "s1",
		models.NewHumanMessage("one"),
		models.NewAIMessage("two"),
		models.NewHumanMessage("three")))

	got, err := h.ReadLatest(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, "three", got[1].Content)

	all, err := h.ReadLatest(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryReadUnknownSession(t *testing.T) {
	h := NewMemoryHistory()
	got, err := h.ReadLatest(context.Background(), "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryOverwrite(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, "s1", models.NewHumanMessage("old")))
	require.NoError(t, h.Overwrite(ctx, "s1", []models.Message{
		models.NewHumanMessage("new"),
		models.NewAIMessage("reply"),
	}))

	got, err := h.ReadLatest(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Content)
}

func TestMemoryTrim(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Append(ctx, "s1", models.NewHumanMessage("m")))
	}
	require.NoError(t, h.Trim(ctx, "s1", 4))

	got, err := h.ReadLatest(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestMemoryReadCopies(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()
	require.NoError(t, h.Append(ctx, "s1", models.NewHumanMessage("original")))

	got, _ := h.ReadLatest(ctx, "s1", 10)
	got[0].Content = "mutated"

	again, _ := h.ReadLatest(ctx, "s1", 10)
	assert.Equal(t, "original", again[0].Content)
}
