package ports

import "context"

// QueryResult is the shape returned by vector store queries.
type QueryResult struct {
	IDs       []string
	Distances []float64
	Documents []string
	Metadatas []map[string]any
}

// VectorStore is the narrow contract the memory pipelines require.
// Implementations must be safe for concurrent use; callers serialize batch
// adds. Metadata filters support equality matches and a top-level "$or" of
// equality clauses.
type VectorStore interface {
	Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error
	Query(ctx context.Context, queryEmbeddings [][]float32, k int, where map[string]any) (*QueryResult, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, ids []string) error
	GetOldestIDs(ctx context.Context, limit int) ([]string, error)
	Close() error
}
