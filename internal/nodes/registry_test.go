// ABOUTME: Tests for the node session registry
// ABOUTME: Covers registration, duplicate rejection, lookup, and command allowlists

package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	s := &Session{ConnID: "c-1", DeviceID: "dev-1", Commands: []string{"deploy"}}
	require.NoError(t, r.Register(s))

	got, ok := r.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.False(t, got.ConnectedAt.IsZero())
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Session{ConnID: "c-1"}))
	assert.ErrorIs(t, r.Register(&Session{ConnID: "c-1"}), ErrAlreadyRegistered)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Session{ConnID: "c-1"}))
	r.Unregister("c-1")

	_, ok := r.Get("c-1")
	assert.False(t, ok)

	// Unregistering twice is harmless.
	r.Unregister("c-1")
}

func TestRegistry_GetByDevice(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Session{ConnID: "c-1", DeviceID: "dev-a"}))
	require.NoError(t, r.Register(&Session{ConnID: "c-2", DeviceID: "dev-b"}))

	s, ok := r.GetByDevice("dev-b")
	require.True(t, ok)
	assert.Equal(t, "c-2", s.ConnID)

	_, ok = r.GetByDevice("dev-c")
	assert.False(t, ok)
}

func TestSession_AllowsCommand(t *testing.T) {
	s := &Session{Commands: []string{"deploy", "restart"}}

	assert.True(t, s.AllowsCommand("deploy"))
	assert.False(t, s.AllowsCommand("rm-rf"))

	empty := &Session{}
	assert.False(t, empty.AllowsCommand("deploy"), "empty allowlist accepts nothing")
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(&Session{ConnID: "c-1"}))
	require.NoError(t, r.Register(&Session{ConnID: "c-2"}))
	assert.Len(t, r.List(), 2)
}
