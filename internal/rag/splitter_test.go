package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewSplitter(500, 50)
	chunks := s.Split("just a short paragraph")
	require.Len(t, chunks, 1)
	assert.Equal(t, "just a short paragraph", chunks[0])
}

func TestSplitEmptyText(t *testing.T) {
	s := NewSplitter(500, 50)
	assert.Nil(t, s.Split(""))
	assert.Nil(t, s.Split("   \n\n  "))
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	para1 := strings.Repeat("alpha ", 20)
	para2 := strings.Repeat("bravo ", 20)
	text := strings.TrimSpace(para1) + "\n\n" + strings.TrimSpace(para2)

	s := NewSplitter(130, 0)
	chunks := s.Split(text)
	require.Len(t, chunks, 2)
	assert.NotContains(t, chunks[0], "bravo")
	assert.NotContains(t, chunks[1], "alpha")
}

func TestSplitRespectsChunkSize(t *testing.T) {
	text := strings.Repeat("some words here. ", 200)
	s := NewSplitter(500, 50)
	chunks := s.Split(text)
	require.NotEmpty(t, chunks)
	for i, chunk := range chunks {
		// Overlapped chunks carry up to 50 extra prefix characters.
		assert.LessOrEqual(t, len(chunk), 550, "chunk %d too large", i)
	}
}

func TestSplitOverlapPrefixesPreviousTail(t *testing.T) {
	text := strings.Repeat("segment one two three four five. ", 60)
	s := NewSplitter(200, 30)
	chunks := s.Split(text)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		tail := prev[len(prev)-30:]
		assert.True(t, strings.HasPrefix(chunks[i], tail), "chunk %d missing overlap prefix", i)
	}
}

func TestSplitUnbrokenTextFallsBackToCharacters(t *testing.T) {
	text := strings.Repeat("x", 1200)
	s := NewSplitter(500, 0)
	chunks := s.Split(text)
	require.Len(t, chunks, 3)
	assert.Equal(t, 500, len(chunks[0]))
	assert.Equal(t, 200, len(chunks[2]))
}
