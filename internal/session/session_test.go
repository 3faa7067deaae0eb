package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCreatesOnFirstUse(t *testing.T) {
	m := NewManager()
	res := m.Get("s1")
	require.NotNil(t, res)
	assert.Equal(t, "s1", res.ID)
	assert.Same(t, res, m.Get("s1"))
}

func TestListActive(t *testing.T) {
	m := NewManager()
	m.Get("b")
	m.Get("a")
	assert.Equal(t, []string{"a", "b"}, m.ListActive())
}

func TestReleaseRemoves(t *testing.T) {
	m := NewManager()
	m.Get("s1")
	m.Release("s1")
	assert.Empty(t, m.ListActive())

	// Releasing an unknown session is a no-op.
	m.Release("missing")
}

func TestReferenceCounting(t *testing.T) {
	m := NewManager()
	m.Acquire("s1")
	m.Acquire("s1")
	assert.Equal(t, 2, m.Refs("s1"))

	m.Done("s1")
	assert.Equal(t, 1, m.Refs("s1"))
	m.Done("s1")
	assert.Equal(t, 0, m.Refs("s1"))

	// Extra Done calls do not go negative.
	m.Done("s1")
	assert.Equal(t, 0, m.Refs("s1"))
}

func TestTouchUpdatesTimestamp(t *testing.T) {
	m := NewManager()
	res := m.Get("s1")
	before := res.UpdatedAt
	res.Touch()
	assert.False(t, res.UpdatedAt.Before(before))
}

func TestCloseDropsAll(t *testing.T) {
	m := NewManager()
	m.Get("a")
	m.Get("b")
	m.Close()
	assert.Empty(t, m.ListActive())
}
