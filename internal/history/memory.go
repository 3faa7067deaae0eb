// Package history provides the chat history stores: an in-memory store for
// tests and single-binary use and a Postgres-backed store.
package history

import (
	"context"
	"sync"

	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

// MemoryHistory keeps per-session histories in process memory.
type MemoryHistory struct {
	mu       sync.RWMutex
	sessions map[string][]models.Message
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{sessions: make(map[string][]models.Message)}
}

func (h *MemoryHistory) Append(_ context.Context, sessionID string, messages ...models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionID] = append(h.sessions[sessionID], messages...)
	return nil
}

func (h *MemoryHistory) ReadLatest(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.sessions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Message, len(all))
	copy(out, all)
	return out, nil
}

func (h *MemoryHistory) Overwrite(_ context.Context, sessionID string, messages []models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	replaced := make([]models.Message, len(messages))
	copy(replaced, messages)
	h.sessions[sessionID] = replaced
	return nil
}

func (h *MemoryHistory) Trim(_ context.Context, sessionID string, keep int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.sessions[sessionID]
	if keep >= 0 && len(all) > keep {
		h.sessions[sessionID] = append([]models.Message{}, all[len(all)-keep:]...)
	}
	return nil
}

var _ ports.HistoryStore = (*MemoryHistory)(nil)
