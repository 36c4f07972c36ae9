// ABOUTME: Tests for the pairing gate and SQLite pairing store
// ABOUTME: Covers silent approval, pending requests, upgrades, and metadata refresh

package pairing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMeta(role string, scopes []string, silent bool) Meta {
	return Meta{
		DisplayName:   "Test Device",
		Platform:      "linux",
		ClientVersion: "1.2.3",
		Role:          role,
		Scopes:        scopes,
		RemoteIP:      "127.0.0.1",
		Silent:        silent,
	}
}

func TestGate_UnknownDevice_SilentApproval(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	dec, err := g.Evaluate(ctx, "dev-1", "ssh-ed25519 AAAA", testMeta("node", []string{"run"}, true))
	require.NoError(t, err)
	require.True(t, dec.Paired)
	require.NotNil(t, dec.Device)
	assert.Equal(t, []string{"node"}, dec.Device.Roles)
	assert.Equal(t, []string{"run"}, dec.Device.Scopes)

	// No request lingers after silent approval.
	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGate_UnknownDevice_Pending(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	dec, err := g.Evaluate(ctx, "dev-1", "ssh-ed25519 AAAA", testMeta("operator", nil, false))
	require.NoError(t, err)
	require.False(t, dec.Paired)
	require.NotNil(t, dec.Pending)
	assert.True(t, dec.Created)
	assert.NotEmpty(t, dec.Pending.ID)

	// Re-dialing reuses the same pending request.
	again, err := g.Evaluate(ctx, "dev-1", "ssh-ed25519 AAAA", testMeta("operator", nil, false))
	require.NoError(t, err)
	require.False(t, again.Paired)
	assert.False(t, again.Created)
	assert.Equal(t, dec.Pending.ID, again.Pending.ID)

	// Device does not exist until approved.
	_, err = s.GetPairedDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRequestPairing_ScopeOrderDoesNotDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.RequestPairing(ctx, "dev-1", "ssh-ed25519 AAAA",
		testMeta("operator", []string{"logs", "exec"}, false))
	require.NoError(t, err)
	require.True(t, created)

	// Re-dialing with the same scopes in a different order reuses the
	// pending request.
	second, created, err := s.RequestPairing(ctx, "dev-1", "ssh-ed25519 AAAA",
		testMeta("operator", []string{"exec", "logs"}, false))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	pending, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"exec", "logs"}, pending[0].Scopes)
}

func TestGate_ApprovalAdmitsDevice(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	dec, err := g.Evaluate(ctx, "dev-1", "ssh-ed25519 AAAA", testMeta("node", []string{"run"}, false))
	require.NoError(t, err)
	require.NotNil(t, dec.Pending)

	dev, err := s.ApprovePairing(ctx, dec.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", dev.ID)

	// The next evaluation proceeds without a new request.
	dec, err = g.Evaluate(ctx, "dev-1", "ssh-ed25519 AAAA", testMeta("node", []string{"run"}, false))
	require.NoError(t, err)
	assert.True(t, dec.Paired)
}

func TestGate_KnownDevice_MetadataRefresh(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	_, err := g.Evaluate(ctx, "dev-1", "pk", testMeta("node", []string{"run"}, true))
	require.NoError(t, err)

	meta := testMeta("node", []string{"run"}, true)
	meta.DisplayName = "Renamed"
	meta.ClientVersion = "2.0.0"
	dec, err := g.Evaluate(ctx, "dev-1", "pk", meta)
	require.NoError(t, err)
	require.True(t, dec.Paired)
	assert.Equal(t, "Renamed", dec.Device.DisplayName)
	assert.Equal(t, "2.0.0", dec.Device.ClientVersion)
}

func TestGate_ScopeEscalationRequiresApproval(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	_, err := g.Evaluate(ctx, "dev-1", "pk", testMeta("node", []string{"run"}, true))
	require.NoError(t, err)

	// Asking for a scope beyond the grant is never silently honored when
	// the connection is not trusted-local.
	dec, err := g.Evaluate(ctx, "dev-1", "pk", testMeta("node", []string{"run", "admin"}, false))
	require.NoError(t, err)
	require.False(t, dec.Paired)
	require.NotNil(t, dec.Pending)

	// Approval extends the grant instead of replacing it.
	dev, err := s.ApprovePairing(ctx, dec.Pending.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run", "admin"}, dev.Scopes)
}

func TestGate_RoleEscalationRequiresApproval(t *testing.T) {
	s := newTestStore(t)
	g := NewGate(s, nil)
	ctx := context.Background()

	_, err := g.Evaluate(ctx, "dev-1", "pk", testMeta("node", nil, true))
	require.NoError(t, err)

	dec, err := g.Evaluate(ctx, "dev-1", "pk", testMeta("operator", nil, false))
	require.NoError(t, err)
	require.False(t, dec.Paired)

	dev, err := s.ApprovePairing(ctx, dec.Pending.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node", "operator"}, dev.Roles)
}

func TestStore_RejectPairing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req, created, err := s.RequestPairing(ctx, "dev-1", "pk", testMeta("node", nil, false))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.RejectPairing(ctx, req.ID))
	assert.ErrorIs(t, s.RejectPairing(ctx, req.ID), ErrRequestNotFound)

	_, err = s.GetPairedDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStore_ApproveUnknownRequest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ApprovePairing(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestStore_UpdateMetadataUnknownDevice(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDeviceMetadata(context.Background(), "missing", testMeta("node", nil, false))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDevice_HasScopes(t *testing.T) {
	dev := &Device{Scopes: []string{"run", "read"}}

	assert.True(t, dev.HasScopes(nil))
	assert.True(t, dev.HasScopes([]string{"run"}))
	assert.True(t, dev.HasScopes([]string{"run", "read"}))
	assert.False(t, dev.HasScopes([]string{"admin"}))
}
