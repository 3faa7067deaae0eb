// Package store provides the vector store implementations backing episodic
// memory: a pgvector-backed store and an in-memory store with snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/openlocus/locus/internal/ports"
)

const deleteBatchSize = 1000

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGVectorStore keeps embeddings in a pgvector table with JSONB metadata.
type PGVectorStore struct {
	db    DB
	table string
}

func NewPGVectorStore(db DB, table string) *PGVectorStore {
	if table == "" {
		table = "locus_vectors"
	}
	return &PGVectorStore{db: db, table: table}
}

// EnsureSchema creates the extension and table when missing.
func (s *PGVectorStore) EnsureSchema(ctx context.Context, dimensions int) error {
	if _, err := s.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table, dimensions)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PGVectorStore) Add(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(embeddings) || len(ids) != len(documents) {
		return fmt.Errorf("mismatched lengths: ids=%d embeddings=%d documents=%d", len(ids), len(embeddings), len(documents))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, document, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			document = EXCLUDED.document,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, s.table)

	for i, id := range ids {
		var meta map[string]any
		if i < len(metadatas) {
			meta = metadatas[i]
		}
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", id, err)
		}
		if _, err := s.db.Exec(ctx, query, id, documents[i], metaJSON, pgvector.NewVector(embeddings[i])); err != nil {
			return fmt.Errorf("failed to insert %s: %w", id, err)
		}
	}
	return nil
}

// buildFilter translates a metadata filter to a SQL predicate. Equality
// clauses become JSONB containment; a top-level "$or" becomes a disjunction
// of containments.
func buildFilter(where map[string]any, startIdx int) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	if raw, ok := where["$or"]; ok {
		clauses, ok := raw.([]map[string]any)
		if !ok {
			generic, ok2 := raw.([]any)
			if !ok2 {
				return "", nil, fmt.Errorf("$or must be a list of filters")
			}
			clauses = make([]map[string]any, 0, len(generic))
			for _, g := range generic {
				m, ok3 := g.(map[string]any)
				if !ok3 {
					return "", nil, fmt.Errorf("$or entries must be objects")
				}
				clauses = append(clauses, m)
			}
		}
		var parts []string
		var args []any
		for _, clause := range clauses {
			data, err := json.Marshal(clause)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, fmt.Sprintf("metadata @> $%d::jsonb", startIdx+len(args)))
			args = append(args, string(data))
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	}

	data, err := json.Marshal(where)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("metadata @> $%d::jsonb", startIdx), []any{string(data)}, nil
}

func (s *PGVectorStore) Query(ctx context.Context, queryEmbeddings [][]float32, k int, where map[string]any) (*ports.QueryResult, error) {
	result := &ports.QueryResult{}
	for _, emb := range queryEmbeddings {
		filter, filterArgs, err := buildFilter(where, 2)
		if err != nil {
			return nil, err
		}

		query := fmt.Sprintf("SELECT id, document, metadata, embedding <=> $1 AS distance FROM %s", s.table)
		if filter != "" {
			query += " WHERE " + filter
		}
		query += fmt.Sprintf(" ORDER BY distance LIMIT %d", k)

		args := append([]any{pgvector.NewVector(emb)}, filterArgs...)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("vector query failed: %w", err)
		}

		for rows.Next() {
			var id, document string
			var metaJSON []byte
			var distance float64
			if err := rows.Scan(&id, &document, &metaJSON, &distance); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan row: %w", err)
			}
			var meta map[string]any
			if len(metaJSON) > 0 {
				if err := json.Unmarshal(metaJSON, &meta); err != nil {
					rows.Close()
					return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
				}
			}
			result.IDs = append(result.IDs, id)
			result.Documents = append(result.Documents, document)
			result.Metadatas = append(result.Metadatas, meta)
			result.Distances = append(result.Distances, distance)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return count, nil
}

func (s *PGVectorStore) Delete(ctx context.Context, ids []string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table)
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if _, err := s.db.Exec(ctx, query, ids[start:end]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
	}
	return nil
}

func (s *PGVectorStore) GetOldestIDs(ctx context.Context, limit int) ([]string, error) {
	query := fmt.Sprintf("SELECT id FROM %s ORDER BY created_at ASC LIMIT $1", s.table)
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *PGVectorStore) Close() error { return nil }
