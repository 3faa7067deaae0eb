package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresHistory persists chat histories as one JSONB row per message,
// ordered by an append sequence.
type PostgresHistory struct {
	db    DB
	table string
}

func NewPostgresHistory(db DB, table string) *PostgresHistory {
	if table == "" {
		table = "locus_history"
	}
	return &PostgresHistory{db: db, table: table}
}

// EnsureSchema creates the history table when missing.
func (h *PostgresHistory) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			message JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, h.table)
	if _, err := h.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", h.table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_session_idx ON %s (session_id, seq)`, h.table, h.table)
	if _, err := h.db.Exec(ctx, idx); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", h.table, err)
	}
	return nil
}

func (h *PostgresHistory) Append(ctx context.Context, sessionID string, messages ...models.Message) error {
	sql := fmt.Sprintf("INSERT INTO %s (session_id, message) VALUES ($1, $2)", h.table)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		if _, err := h.db.Exec(ctx, sql, sessionID, data); err != nil {
			return fmt.Errorf("failed to append history for %s: %w", sessionID, err)
		}
	}
	return nil
}

func (h *PostgresHistory) ReadLatest(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	sql := fmt.Sprintf(
		"SELECT message FROM %s WHERE session_id = $1 ORDER BY seq DESC LIMIT $2", h.table)
	rows, err := h.db.Query(ctx, sql, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var reversed []models.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode history message: %w", err)
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Message, len(reversed))
	for i, msg := range reversed {
		out[len(reversed)-1-i] = msg
	}
	return out, nil
}

func (h *PostgresHistory) Overwrite(ctx context.Context, sessionID string, messages []models.Message) error {
	del := fmt.Sprintf("DELETE FROM %s WHERE session_id = $1", h.table)
	if _, err := h.db.Exec(ctx, del, sessionID); err != nil {
		return fmt.Errorf("failed to clear history for %s: %w", sessionID, err)
	}
	return h.Append(ctx, sessionID, messages...)
}

func (h *PostgresHistory) Trim(ctx context.Context, sessionID string, keep int) error {
	if keep <= 0 {
		del := fmt.Sprintf("DELETE FROM %s WHERE session_id = $1", h.table)
		if _, err := h.db.Exec(ctx, del, sessionID); err != nil {
			return fmt.Errorf("failed to trim history for %s: %w", sessionID, err)
		}
		return nil
	}
	sql := fmt.Sprintf(`
		DELETE FROM %s WHERE session_id = $1 AND seq < (
			SELECT COALESCE(MIN(seq), 0) FROM (
				SELECT seq FROM %s WHERE session_id = $1 ORDER BY seq DESC LIMIT $2
			) AS kept
		)`, h.table, h.table)
	if _, err := h.db.Exec(ctx, sql, sessionID, keep); err != nil {
		return fmt.Errorf("failed to trim history for %s: %w", sessionID, err)
	}
	return nil
}

var _ ports.HistoryStore = (*PostgresHistory)(nil)
