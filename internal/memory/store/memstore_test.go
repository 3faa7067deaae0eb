package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	err = s.Add(context.Background(),
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
		[]string{"doc a", "doc b", "doc c"},
		[]map[string]any{
			{"session_id": "s1", "start_pos": 0},
			{"session_id": "s2", "start_pos": 10},
			{"session_id": "s1", "start_pos": 20},
		})
	require.NoError(t, err)
	return s
}

func TestMemoryStoreQueryRanksByCosine(t *testing.T) {
	s := seedStore(t)

	result, err := s.Query(context.Background(), [][]float32{{1, 0, 0}}, 2, nil)
	require.NoError(t, err)

	require.Len(t, result.IDs, 2)
	assert.Equal(t, "a", result.IDs[0]) // exact match ranks first
	assert.Equal(t, "c", result.IDs[1])
	assert.Less(t, result.Distances[0], result.Distances[1])
	assert.InDelta(t, 0.0, result.Distances[0], 1e-6)
}

func TestMemoryStoreEqualityFilter(t *testing.T) {
	s := seedStore(t)

	result, err := s.Query(context.Background(), [][]float32{{1, 0, 0}}, 10,
		map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, result.IDs)
}

func TestMemoryStoreOrFilter(t *testing.T) {
	s := seedStore(t)

	result, err := s.Query(context.Background(), [][]float32{{1, 0, 0}}, 10, map[string]any{
		"$or": []map[string]any{
			{"start_pos": 0},
			{"start_pos": 10},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, result.IDs)
}

func TestMemoryStoreNumericFilterToleratesJSONTypes(t *testing.T) {
	s := seedStore(t)

	// JSON decoding yields float64 for numbers; stored metadata holds ints.
	result, err := s.Query(context.Background(), [][]float32{{1, 0, 0}}, 10,
		map[string]any{"start_pos": float64(20)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, result.IDs)
}

func TestMemoryStoreCountDelete(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Delete(ctx, []string{"a", "c"}))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreOldestIDs(t *testing.T) {
	s := seedStore(t)

	ids, err := s.GetOldestIDs(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.msgpack")
	ctx := context.Background()

	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx,
		[]string{"x"},
		[][]float32{{0.5, 0.5}},
		[]string{"persisted doc"},
		[]map[string]any{{"session_id": "s9"}}))
	require.NoError(t, s.Close())

	restored, err := NewMemoryStore(path)
	require.NoError(t, err)
	n, err := restored.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	result, err := restored.Query(ctx, [][]float32{{0.5, 0.5}}, 1, nil)
	require.NoError(t, err)
	require.Len(t, result.IDs, 1)
	assert.Equal(t, "x", result.IDs[0])
	assert.Equal(t, "persisted doc", result.Documents[0])
}
