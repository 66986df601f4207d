package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tether/internal/kvstore"
)

// flowRecord is one pending authorization flow, keyed by its state
// parameter. The PKCE verifier stays server-side until the callback
// redeems the code.
type flowRecord struct {
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func flowKey(state string) kvstore.Key {
	return kvstore.Key{"creds", "flow", state}
}

// flowStore persists pending flows so callbacks complete across process
// restarts. Records are strictly one-time.
type flowStore struct {
	kv  *kvstore.Store
	ttl time.Duration
	now func() time.Time
}

func newFlowStore(kv *kvstore.Store, ttl time.Duration) *flowStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &flowStore{kv: kv, ttl: ttl, now: time.Now}
}

// store persists a flow record under its state. Fails if the state is
// already taken.
func (f *flowStore) store(ctx context.Context, state string, record flowRecord) error {
	if state == "" {
		return fmt.Errorf("state must not be empty")
	}

	now := f.now()
	record.CreatedAt = now
	record.ExpiresAt = now.Add(f.ttl)

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal flow record: %w", err)
	}

	key := flowKey(state)
	err = f.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectAbsent(key),
		kvstore.OpSet(key, value, kvstore.WithTTL(f.ttl)),
	})
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			return fmt.Errorf("authorization flow for this state already exists")
		}
		return fmt.Errorf("failed to store authorization flow: %w", err)
	}
	return nil
}

// consume removes and returns the record for state. Of two concurrent
// callbacks with the same state exactly one obtains the record; the
// loser, unknown states, and expired states all see nil.
func (f *flowStore) consume(ctx context.Context, state string) (*flowRecord, error) {
	key := flowKey(state)

	value, found, err := f.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization flow: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record flowRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization flow: %w", err)
	}

	err = f.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectExists(key),
		kvstore.OpDelete(key),
	})
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			// Another callback consumed it first.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume authorization flow: %w", err)
	}

	if !f.now().Before(record.ExpiresAt) {
		return nil, nil
	}
	return &record, nil
}
