package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/kvstore"
)

func newTestStore(t *testing.T) (*Store, *kvstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv), kv
}

func testTransportConfig() TransportConfig {
	return TransportConfig{
		Host:                   "127.0.0.1",
		Port:                   8090,
		AllowedHosts:           []string{"localhost", "127.0.0.1"},
		DNSRebindingProtection: true,
	}
}

func TestPersistSession(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	metadata := map[string]string{"client": "inspector"}
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", metadata))

	info, err := store.GetInfo(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "u1", info.UserID)
	assert.True(t, info.Active)
	assert.Equal(t, testTransportConfig(), info.Transport)
	assert.Equal(t, metadata, info.Metadata)
	assert.Equal(t, info.CreatedAt, info.LastActivity)

	// The by_user index row lands in the same commit.
	value, found, err := kv.Get(ctx, userIndexKey("u1", "sess-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sess-1", string(value))
}

func TestPersistSession_AnonymousIndex(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-anon", testTransportConfig(), "", nil))

	_, found, err := kv.Get(ctx, kvstore.Key{"transport", "session_by_user", "anonymous", "sess-anon"})
	require.NoError(t, err)
	assert.True(t, found)

	sessions, err := store.GetUserSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-anon", sessions[0].SessionID)
}

func TestPersistSession_InvalidID(t *testing.T) {
	store, _ := newTestStore(t)

	var invalidErr *InvalidSessionIDError
	err := store.PersistSession(context.Background(), "", testTransportConfig(), "u1", nil)
	require.ErrorAs(t, err, &invalidErr)
}

func TestPersistSession_RepersistKeepsCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.now = func() time.Time { return base }
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))

	store.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))

	info, err := store.GetInfo(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.CreatedAt.Equal(base), "re-persisting must keep the original creation time")
	assert.True(t, info.LastActivity.Equal(base.Add(time.Hour)))
}

func TestPersistSession_MovesUserIndex(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))

	_, found, err := kv.Get(ctx, userIndexKey("", "sess-1"))
	require.NoError(t, err)
	assert.False(t, found, "old index row must be removed in the same commit")

	sessions, err := store.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "u1", sessions[0].UserID)

	anon, err := store.GetUserSessions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, anon)
}

func TestUpdateActivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.now = func() time.Time { return base }
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))

	store.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, store.UpdateActivity(ctx, "sess-1"))

	info, err := store.GetInfo(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, info.CreatedAt.Equal(base))
	assert.True(t, info.LastActivity.Equal(base.Add(10*time.Minute)))

	var notFound *SessionNotFoundError
	err = store.UpdateActivity(ctx, "sess-unknown")
	require.ErrorAs(t, err, &notFound)
}

func TestMarkInactive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))
	require.NoError(t, store.MarkInactive(ctx, "sess-1"))

	info, err := store.GetInfo(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.False(t, info.Active)

	// Idempotent, and unknown sessions are a no-op.
	require.NoError(t, store.MarkInactive(ctx, "sess-1"))
	require.NoError(t, store.MarkInactive(ctx, "sess-unknown"))
}

func TestGetInfo_Unknown(t *testing.T) {
	store, _ := newTestStore(t)

	info, err := store.GetInfo(context.Background(), "sess-unknown")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetUserSessions_Multiple(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-a", testTransportConfig(), "u1", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-b", testTransportConfig(), "u1", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-c", testTransportConfig(), "u2", nil))

	sessions, err := store.GetUserSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-a", sessions[0].SessionID)
	assert.Equal(t, "sess-b", sessions[1].SessionID)
}

func TestGetActiveSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-a", testTransportConfig(), "u1", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-b", testTransportConfig(), "", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-c", testTransportConfig(), "u2", nil))
	require.NoError(t, store.MarkInactive(ctx, "sess-b"))

	sessions, err := store.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	ids := []string{sessions[0].SessionID, sessions[1].SessionID}
	assert.ElementsMatch(t, []string{"sess-a", "sess-c"}, ids)
}

func TestCleanupOldSessions(t *testing.T) {
	store, kv := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.now = func() time.Time { return base }
	require.NoError(t, store.PersistSession(ctx, "sess-old", testTransportConfig(), "u1", nil))

	store.now = func() time.Time { return base.Add(45 * time.Minute) }
	require.NoError(t, store.PersistSession(ctx, "sess-live", testTransportConfig(), "u2", nil))

	store.now = func() time.Time { return base.Add(90 * time.Minute) }
	deleted, err := store.CleanupOldSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	info, err := store.GetInfo(ctx, "sess-old")
	require.NoError(t, err)
	assert.Nil(t, info)

	// The index row dies with the primary record.
	_, found, err := kv.Get(ctx, userIndexKey("u1", "sess-old"))
	require.NoError(t, err)
	assert.False(t, found)

	info, err = store.GetInfo(ctx, "sess-live")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestCleanupOldSessions_InactiveAgeOut(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	store.now = func() time.Time { return base }
	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "", nil))
	require.NoError(t, store.MarkInactive(ctx, "sess-1"))

	store.now = func() time.Time { return base.Add(48 * time.Hour) }
	deleted, err := store.CleanupOldSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	sessions, err := store.GetUserSessions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PersistSession(ctx, "sess-1", testTransportConfig(), "u1", nil))
	require.NoError(t, store.PersistSession(ctx, "sess-2", testTransportConfig(), "", nil))
	require.NoError(t, store.MarkInactive(ctx, "sess-2"))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2, "inactive descriptors stay listed")

	byID := make(map[string]*PersistedSession, len(sessions))
	for _, s := range sessions {
		byID[s.SessionID] = s
	}
	require.Contains(t, byID, "sess-1")
	require.Contains(t, byID, "sess-2")
	assert.True(t, byID["sess-1"].Active)
	assert.Equal(t, "u1", byID["sess-1"].UserID)
	assert.False(t, byID["sess-2"].Active)
}
