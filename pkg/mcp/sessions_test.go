package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)

	r.Register("client-1", "session-a")
	sid, ok := r.SessionFor("client-1")
	assert.True(t, ok)
	assert.Equal(t, "session-a", sid)

	// Reconnect overwrites.
	r.Register("client-1", "session-b")
	sid, _ = r.SessionFor("client-1")
	assert.Equal(t, "session-b", sid)
}

func TestSessionRegistryRemove(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("client-1", "session-a")
	r.Register("client-2", "session-a")
	r.Register("client-3", "session-b")

	r.Remove("session-a")

	_, ok := r.SessionFor("client-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("client-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("client-3")
	assert.True(t, ok)
	assert.Equal(t, "session-b", sid)
}
