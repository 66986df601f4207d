package authserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingStore_StoreAndConsume(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	bindings := NewBindingStore(kv, 0)

	record := MCPAuthRequest{
		MCPClientID:    "cid_1",
		MCPRedirectURI: "http://localhost:3503/callback",
		MCPState:       "S1",
		CodeChallenge:  "CC",
		Scope:          "read write",
		UserID:         "default",
	}
	require.NoError(t, bindings.StoreMCPAuthRequest(ctx, "upstream-state-abc", record))

	got, err := bindings.GetMCPAuthRequest(ctx, "upstream-state-abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cid_1", got.MCPClientID)
	assert.Equal(t, "S1", got.MCPState)
	assert.Equal(t, "upstream-state-abc", got.UpstreamState)
	assert.False(t, got.ExpiresAt.IsZero())

	// One-time: a second read sees nothing.
	gone, err := bindings.GetMCPAuthRequest(ctx, "upstream-state-abc")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestBindingStore_UnknownState(t *testing.T) {
	kv := newTestKV(t)
	bindings := NewBindingStore(kv, 0)

	got, err := bindings.GetMCPAuthRequest(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBindingStore_DuplicateState(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	bindings := NewBindingStore(kv, 0)

	record := MCPAuthRequest{MCPClientID: "cid_1", MCPRedirectURI: "http://localhost:3503/callback"}
	require.NoError(t, bindings.StoreMCPAuthRequest(ctx, "dup", record))
	require.Error(t, bindings.StoreMCPAuthRequest(ctx, "dup", record))
}

func TestBindingStore_EmptyState(t *testing.T) {
	kv := newTestKV(t)
	bindings := NewBindingStore(kv, 0)

	err := bindings.StoreMCPAuthRequest(context.Background(), "", MCPAuthRequest{})
	require.Error(t, err)
}

func TestBindingStore_Expired(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)
	bindings := NewBindingStore(kv, 0)

	require.NoError(t, bindings.StoreMCPAuthRequest(ctx, "stale", MCPAuthRequest{MCPClientID: "cid_1"}))

	bindings.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	got, err := bindings.GetMCPAuthRequest(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got)
}
