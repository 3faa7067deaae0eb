// Package session tracks per-session resources and serializes mutating
// operations per session id.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/openlocus/locus/internal/adapters/metrics"
)

// Resources is the per-session state the engine holds between turns. The
// embedded mutex serializes history mutations for the session; reads do not
// take it.
type Resources struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	mu   sync.Mutex
	refs int
}

// Lock serializes a mutating operation for this session.
func (r *Resources) Lock()   { r.mu.Lock() }
func (r *Resources) Unlock() { r.mu.Unlock() }

// Touch bumps the session's last-activity timestamp.
func (r *Resources) Touch() { r.UpdatedAt = time.Now() }

// Manager maps session ids to their resources.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Resources
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Resources),
		now:      time.Now,
	}
}

// Get returns the session's resources, creating them on first use.
func (m *Manager) Get(id string) *Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id string) *Resources {
	res, ok := m.sessions[id]
	if !ok {
		now := m.now()
		res = &Resources{ID: id, CreatedAt: now, UpdatedAt: now}
		m.sessions[id] = res
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	return res
}

// Acquire returns the session's resources and records an outstanding turn
// reference. Callers pair it with Done.
func (m *Manager) Acquire(id string) *Resources {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.getLocked(id)
	res.refs++
	return res
}

// Done releases one turn reference taken by Acquire.
func (m *Manager) Done(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.sessions[id]; ok && res.refs > 0 {
		res.refs--
	}
}

// Refs reports the number of outstanding turn references for a session.
func (m *Manager) Refs(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.sessions[id]; ok {
		return res.refs
	}
	return 0
}

// Release removes the session. A missing id is a no-op.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
}

// ListActive returns the ids of all live sessions, sorted.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Resources)
	metrics.SessionsActive.Set(0)
}
