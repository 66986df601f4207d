// Package eventlog persists the per-stream event history behind resumable
// SSE delivery. Every frame a transport sends is stored here first; a
// client reconnecting with Last-Event-Id replays exactly the events it
// missed.
//
// Event identifiers are {stream}|{base36 millis}|{random suffix}. The
// stream id is embedded so replay can locate the stream from the cursor
// alone, which is all an SSE reconnect carries.
package eventlog

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/kvstore"
	"tether/pkg/logging"
)

const (
	// eventIDSeparator splits the three event id sections. Stream ids must
	// never contain it.
	eventIDSeparator = "|"

	// eventIDRandomLen is the length of the random base36 suffix that
	// disambiguates events stored in the same millisecond.
	eventIDRandomLen = 8

	// cleanupBatchSize is how many deletions commit per batch when
	// trimming a stream.
	cleanupBatchSize = 10
)

// InvalidStreamIDError rejects stream identifiers that are empty or would
// corrupt the event id format.
type InvalidStreamIDError struct {
	StreamID string
}

func (e *InvalidStreamIDError) Error() string {
	if e.StreamID == "" {
		return "stream id must not be empty"
	}
	return fmt.Sprintf("invalid stream id %q: must not contain %q", e.StreamID, eventIDSeparator)
}

// StreamMetadata mirrors a stream's most recent write.
type StreamMetadata struct {
	StreamID    string    `json:"stream_id"`
	LastEventID string    `json:"last_event_id"`
	LastEventAt time.Time `json:"last_event_at"`
}

// Log stores and replays transport events. Events live under
// [events, stream, <stream>, <event_id>]; per-stream metadata under
// [events, stream_metadata, <stream>].
type Log struct {
	kv  *kvstore.Store
	now func() time.Time
}

// New creates an event log on the given store.
func New(kv *kvstore.Store) *Log {
	return &Log{kv: kv, now: time.Now}
}

// NewStreamID returns a fresh stream identifier. UUIDs cannot contain the
// event id separator, so generated streams never need validation.
func NewStreamID() string {
	return uuid.NewString()
}

func validateStreamID(streamID string) error {
	if streamID == "" || strings.Contains(streamID, eventIDSeparator) {
		return &InvalidStreamIDError{StreamID: streamID}
	}
	return nil
}

func eventKey(streamID, eventID string) kvstore.Key {
	return kvstore.Key{"events", "stream", streamID, eventID}
}

func streamPrefix(streamID string) kvstore.Key {
	return kvstore.Key{"events", "stream", streamID}
}

func metadataKey(streamID string) kvstore.Key {
	return kvstore.Key{"events", "stream_metadata", streamID}
}

// base36Alphabet indexes the random suffix characters.
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomBase36 returns n uniformly random base36 characters. Bytes at or
// above the largest multiple of 36 below 256 are rejected to keep the
// distribution uniform.
func randomBase36(n int) (string, error) {
	const limit = byte(252) // 7 * 36
	out := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, base36Alphabet[b%36])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// newEventID builds {stream}|{base36 millis}|{suffix}.
func newEventID(streamID string, at time.Time) (string, error) {
	suffix, err := randomBase36(eventIDRandomLen)
	if err != nil {
		return "", err
	}
	return streamID + eventIDSeparator + strconv.FormatInt(at.UnixMilli(), 36) + eventIDSeparator + suffix, nil
}

// parseEventID splits an event id into its stream and timestamp. Stream
// ids never contain the separator, so the strict three-way split is safe.
func parseEventID(eventID string) (streamID string, millis int64, ok bool) {
	parts := strings.Split(eventID, eventIDSeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil || ms < 0 {
		return "", 0, false
	}
	return parts[0], ms, true
}

// StoreEvent persists one message on the stream and returns its event id.
// The event row and the stream metadata touch commit together.
func (l *Log) StoreEvent(ctx context.Context, streamID string, message []byte) (string, error) {
	if err := validateStreamID(streamID); err != nil {
		return "", err
	}

	now := l.now()
	eventID, err := newEventID(streamID, now)
	if err != nil {
		return "", err
	}

	metadata, err := json.Marshal(StreamMetadata{
		StreamID:    streamID,
		LastEventID: eventID,
		LastEventAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream metadata: %w", err)
	}

	err = l.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpSet(eventKey(streamID, eventID), message),
		kvstore.OpSet(metadataKey(streamID), metadata),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store event: %w", err)
	}
	return eventID, nil
}

// GetStreamMetadata returns the stream's metadata, or nil when the stream
// has never stored an event.
func (l *Log) GetStreamMetadata(ctx context.Context, streamID string) (*StreamMetadata, error) {
	if err := validateStreamID(streamID); err != nil {
		return nil, err
	}

	value, found, err := l.kv.Get(ctx, metadataKey(streamID))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream metadata: %w", err)
	}
	if !found {
		return nil, nil
	}

	var metadata StreamMetadata
	if err := json.Unmarshal(value, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream metadata: %w", err)
	}
	return &metadata, nil
}

// ListStreams returns the metadata of every stream that has stored at
// least one event, in stream id order. Undecodable records are skipped.
func (l *Log) ListStreams(ctx context.Context) ([]*StreamMetadata, error) {
	entries, err := l.kv.ListByPrefix(ctx, kvstore.Key{"events", "stream_metadata"})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}

	streams := make([]*StreamMetadata, 0, len(entries))
	for _, entry := range entries {
		var metadata StreamMetadata
		if err := json.Unmarshal(entry.Value, &metadata); err != nil {
			logging.Warn("EventLog", "Skipping undecodable stream metadata %v: %v", entry.Key, err)
			continue
		}
		streams = append(streams, &metadata)
	}
	return streams, nil
}

// storedEvent is one event loaded for replay or cleanup.
type storedEvent struct {
	key     kvstore.Key
	id      string
	millis  int64
	message []byte
}

// loadStream returns the stream's events sorted oldest first. Ties within
// one millisecond keep their key order, which is how they were scanned.
func (l *Log) loadStream(ctx context.Context, streamID string) ([]storedEvent, error) {
	entries, err := l.kv.ListByPrefix(ctx, streamPrefix(streamID))
	if err != nil {
		return nil, fmt.Errorf("failed to scan stream: %w", err)
	}

	events := make([]storedEvent, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Key) == 0 {
			continue
		}
		id := entry.Key[len(entry.Key)-1]
		_, millis, ok := parseEventID(id)
		if !ok {
			continue
		}
		events = append(events, storedEvent{key: entry.Key, id: id, millis: millis, message: entry.Value})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].millis < events[j].millis })
	return events, nil
}

// ReplayEventsAfter delivers every stored event strictly after lastEventID
// on its stream, oldest first, through send. It returns the stream id the
// cursor belongs to.
//
// A malformed cursor, or one whose event no longer exists on the stream,
// makes replay a no-op returning an empty stream id: the client's resume
// point is gone and only a fresh stream is meaningful. A send failure
// aborts the replay and returns the error alongside the stream id.
func (l *Log) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, message []byte) error) (string, error) {
	streamID, _, ok := parseEventID(lastEventID)
	if !ok {
		return "", nil
	}

	events, err := l.loadStream(ctx, streamID)
	if err != nil {
		return "", err
	}

	cursor := -1
	for i, event := range events {
		if event.id == lastEventID {
			cursor = i
			break
		}
	}
	if cursor < 0 {
		return "", nil
	}

	for _, event := range events[cursor+1:] {
		if err := send(event.id, event.message); err != nil {
			return streamID, fmt.Errorf("failed to deliver replayed event %s: %w", event.id, err)
		}
	}

	if replayed := len(events) - cursor - 1; replayed > 0 {
		logging.Debug("EventLog", "Replayed %d events on stream=%s", replayed, logging.TruncateSessionID(streamID))
	}
	return streamID, nil
}

// CleanupOldEvents trims the stream to its newest keepCount events,
// deleting the oldest first in batches, one atomic commit per batch.
// Returns how many events were deleted.
func (l *Log) CleanupOldEvents(ctx context.Context, streamID string, keepCount int) (int, error) {
	if err := validateStreamID(streamID); err != nil {
		return 0, err
	}
	if keepCount < 0 {
		keepCount = 0
	}

	events, err := l.loadStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if len(events) <= keepCount {
		return 0, nil
	}

	victims := events[:len(events)-keepCount]
	deleted := 0
	ops := make([]kvstore.Op, 0, cleanupBatchSize)
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		if err := l.kv.AtomicCommit(ctx, ops); err != nil {
			return fmt.Errorf("failed to delete old events: %w", err)
		}
		deleted += len(ops)
		ops = ops[:0]
		return nil
	}

	for _, event := range victims {
		ops = append(ops, kvstore.OpDelete(event.key))
		if len(ops) == cleanupBatchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	logging.Debug("EventLog", "Trimmed %d events from stream=%s", deleted, logging.TruncateSessionID(streamID))
	return deleted, nil
}

// DeleteStream removes the stream's events and metadata in one commit.
// Used when a session terminates and its history has no further value.
func (l *Log) DeleteStream(ctx context.Context, streamID string) error {
	if err := validateStreamID(streamID); err != nil {
		return err
	}

	err := l.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpDeleteRange(streamPrefix(streamID)),
		kvstore.OpDelete(metadataKey(streamID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	return nil
}
