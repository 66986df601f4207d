package eventlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/kvstore"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv)
}

// tickingClock hands out strictly increasing timestamps one millisecond
// apart, so event ordering in tests is unambiguous.
func tickingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func storeN(t *testing.T, log *Log, streamID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := log.StoreEvent(context.Background(), streamID, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestNewStreamID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewStreamID()
		assert.NotContains(t, id, "|")
		assert.False(t, seen[id], "stream ids must not repeat")
		seen[id] = true
	}
}

func TestStoreEvent(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	ctx := context.Background()
	stream := NewStreamID()

	eventID, err := log.StoreEvent(ctx, stream, []byte(`{"hello":"world"}`))
	require.NoError(t, err)

	parsedStream, millis, ok := parseEventID(eventID)
	require.True(t, ok, "stored event id must parse")
	assert.Equal(t, stream, parsedStream)
	assert.Positive(t, millis)

	parts := strings.Split(eventID, "|")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], eventIDRandomLen)

	metadata, err := log.GetStreamMetadata(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, metadata)
	assert.Equal(t, eventID, metadata.LastEventID)
	assert.Equal(t, stream, metadata.StreamID)
}

func TestStoreEvent_RejectsInvalidStreamIDs(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	var invalidErr *InvalidStreamIDError
	_, err := log.StoreEvent(ctx, "has|separator", []byte("{}"))
	require.ErrorAs(t, err, &invalidErr)

	_, err = log.StoreEvent(ctx, "", []byte("{}"))
	require.ErrorAs(t, err, &invalidErr)
}

func TestGetStreamMetadata_UnknownStream(t *testing.T) {
	log := newTestLog(t)
	metadata, err := log.GetStreamMetadata(context.Background(), "nothing-here")
	require.NoError(t, err)
	assert.Nil(t, metadata)
}

func TestReplayEventsAfter(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	ctx := context.Background()
	stream := NewStreamID()
	ids := storeN(t, log, stream, 5)

	var gotIDs []string
	var gotMessages []string
	streamID, err := log.ReplayEventsAfter(ctx, ids[1], func(eventID string, message []byte) error {
		gotIDs = append(gotIDs, eventID)
		gotMessages = append(gotMessages, string(message))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, stream, streamID)

	// Strictly after the cursor, in order, cursor excluded.
	assert.Equal(t, ids[2:], gotIDs)
	assert.Equal(t, []string{`{"seq":2}`, `{"seq":3}`, `{"seq":4}`}, gotMessages)
}

func TestReplayEventsAfter_LastEvent(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	stream := NewStreamID()
	ids := storeN(t, log, stream, 3)

	calls := 0
	streamID, err := log.ReplayEventsAfter(context.Background(), ids[2], func(string, []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, stream, streamID)
	assert.Zero(t, calls)
}

func TestReplayEventsAfter_MalformedCursor(t *testing.T) {
	log := newTestLog(t)
	stream := NewStreamID()
	storeN(t, log, stream, 2)

	for _, cursor := range []string{"", "no-separators", "a|b", "a|b|c|d", stream + "|not-base36!|suffix00"} {
		calls := 0
		streamID, err := log.ReplayEventsAfter(context.Background(), cursor, func(string, []byte) error {
			calls++
			return nil
		})
		require.NoError(t, err, "cursor %q", cursor)
		assert.Empty(t, streamID, "cursor %q", cursor)
		assert.Zero(t, calls, "cursor %q", cursor)
	}
}

func TestReplayEventsAfter_UnknownCursor(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	stream := NewStreamID()
	storeN(t, log, stream, 2)

	// Well-formed, but the event was never stored (or was trimmed away).
	cursor := stream + "|" + "zzzz" + "|abcdefgh"
	calls := 0
	streamID, err := log.ReplayEventsAfter(context.Background(), cursor, func(string, []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, streamID)
	assert.Zero(t, calls)
}

func TestReplayEventsAfter_SendFailureAborts(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	stream := NewStreamID()
	ids := storeN(t, log, stream, 4)

	calls := 0
	streamID, err := log.ReplayEventsAfter(context.Background(), ids[0], func(string, []byte) error {
		calls++
		if calls == 2 {
			return errors.New("connection closed")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, stream, streamID)
	assert.Equal(t, 2, calls, "replay must stop at the failed send")
}

func TestReplayEventsAfter_IsolatesStreams(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	streamA := NewStreamID()
	streamB := NewStreamID()
	idsA := storeN(t, log, streamA, 3)
	storeN(t, log, streamB, 3)

	var got []string
	_, err := log.ReplayEventsAfter(context.Background(), idsA[0], func(eventID string, _ []byte) error {
		got = append(got, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, idsA[1:], got, "replay must never cross streams")
}

func TestCleanupOldEvents(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	ctx := context.Background()
	stream := NewStreamID()
	ids := storeN(t, log, stream, 25)

	deleted, err := log.CleanupOldEvents(ctx, stream, 10)
	require.NoError(t, err)
	assert.Equal(t, 15, deleted)

	// The oldest kept event is ids[15]; replaying after it yields the rest.
	var got []string
	_, err = log.ReplayEventsAfter(ctx, ids[15], func(eventID string, _ []byte) error {
		got = append(got, eventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ids[16:], got)

	// Trimmed events are gone: their cursor no longer resolves.
	streamID, err := log.ReplayEventsAfter(ctx, ids[0], func(string, []byte) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, streamID)
}

func TestCleanupOldEvents_NothingToTrim(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	stream := NewStreamID()
	storeN(t, log, stream, 5)

	deleted, err := log.CleanupOldEvents(context.Background(), stream, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeleteStream(t *testing.T) {
	log := newTestLog(t)
	log.now = tickingClock(time.Now())
	ctx := context.Background()
	stream := NewStreamID()
	ids := storeN(t, log, stream, 3)

	require.NoError(t, log.DeleteStream(ctx, stream))

	metadata, err := log.GetStreamMetadata(ctx, stream)
	require.NoError(t, err)
	assert.Nil(t, metadata)

	streamID, err := log.ReplayEventsAfter(ctx, ids[0], func(string, []byte) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, streamID)
}

func TestRandomBase36(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := randomBase36(eventIDRandomLen)
		require.NoError(t, err)
		require.Len(t, s, eventIDRandomLen)
		for _, c := range s {
			assert.Contains(t, base36Alphabet, string(c))
		}
		seen[s] = true
	}
	assert.Greater(t, len(seen), 45, "suffixes should be effectively unique")
}

func TestListStreams(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	streams, err := log.ListStreams(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)

	first := NewStreamID()
	second := NewStreamID()
	storeN(t, log, first, 3)
	lastIDs := storeN(t, log, second, 1)

	streams, err = log.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 2)

	byID := make(map[string]*StreamMetadata, len(streams))
	for _, s := range streams {
		byID[s.StreamID] = s
	}
	require.Contains(t, byID, first)
	require.Contains(t, byID, second)
	assert.Equal(t, lastIDs[0], byID[second].LastEventID)
	assert.False(t, byID[first].LastEventAt.IsZero())
}
