package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/openlocus/locus/internal/ports"
)

type memRecord struct {
	ID        string         `msgpack:"id"`
	Document  string         `msgpack:"document"`
	Embedding []float32      `msgpack:"embedding"`
	Metadata  map[string]any `msgpack:"metadata"`
	CreatedAt time.Time      `msgpack:"created_at"`
}

// MemoryStore is an exact-scan in-memory vector store. Used by tests and
// deployments without Postgres. When snapshotPath is set the contents are
// persisted on Close and restored on construction.
type MemoryStore struct {
	mu           sync.RWMutex
	records      map[string]*memRecord
	snapshotPath string
}

func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	s := &MemoryStore{
		records:      make(map[string]*memRecord),
		snapshotPath: snapshotPath,
	}
	if snapshotPath != "" {
		if err := s.restore(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MemoryStore) restore() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	var records []*memRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

// Snapshot writes the current contents to the snapshot path.
func (s *MemoryStore) Snapshot() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	records := make([]*memRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *MemoryStore) Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(embeddings) || len(ids) != len(documents) {
		return fmt.Errorf("mismatched lengths: ids=%d embeddings=%d documents=%d", len(ids), len(embeddings), len(documents))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i, id := range ids {
		var meta map[string]any
		if i < len(metadatas) {
			meta = metadatas[i]
		}
		createdAt := now
		if existing, ok := s.records[id]; ok {
			createdAt = existing.CreatedAt
		}
		s.records[id] = &memRecord{
			ID:        id,
			Document:  documents[i],
			Embedding: embeddings[i],
			Metadata:  meta,
			CreatedAt: createdAt,
		}
		// Distinct timestamps keep oldest-first ordering stable.
		now = now.Add(time.Nanosecond)
	}
	return nil
}

func matchesClause(meta, clause map[string]any) bool {
	for key, want := range clause {
		got, ok := meta[key]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares values the way a JSON round-trip would: all numbers
// compare as float64.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func matchesFilter(meta, where map[string]any) bool {
	if len(where) == 0 {
		return true
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if raw, ok := where["$or"]; ok {
		switch clauses := raw.(type) {
		case []map[string]any:
			for _, clause := range clauses {
				if matchesClause(meta, clause) {
					return true
				}
			}
		case []any:
			for _, g := range clauses {
				if clause, ok := g.(map[string]any); ok && matchesClause(meta, clause) {
					return true
				}
			}
		}
		return false
	}
	return matchesClause(meta, where)
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

func (s *MemoryStore) Query(ctx context.Context, queryEmbeddings [][]float32, k int, where map[string]any) (*ports.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := &ports.QueryResult{}
	for _, emb := range queryEmbeddings {
		type scored struct {
			rec  *memRecord
			dist float64
		}
		var candidates []scored
		for _, rec := range s.records {
			if !matchesFilter(rec.Metadata, where) {
				continue
			}
			candidates = append(candidates, scored{rec: rec, dist: cosineDistance(emb, rec.Embedding)})
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		if len(candidates) > k {
			candidates = candidates[:k]
		}
		for _, c := range candidates {
			result.IDs = append(result.IDs, c.rec.ID)
			result.Documents = append(result.Documents, c.rec.Document)
			result.Metadatas = append(result.Metadatas, c.rec.Metadata)
			result.Distances = append(result.Distances, c.dist)
		}
	}
	return result, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) GetOldestIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*memRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if len(records) > limit {
		records = records[:limit]
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return s.Snapshot()
}
