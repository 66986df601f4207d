package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tether/internal/kvstore"
	"tether/pkg/logging"
)

// DefaultBindingTTL bounds how long an MCP authorization may wait for its
// upstream callback.
const DefaultBindingTTL = 10 * time.Minute

func bindingKey(externalState string) kvstore.Key {
	return kvstore.Key{"mcp_auth", "requests", externalState}
}

// BindingStore persists MCP auth requests: the bridge between an MCP
// client's authorize call and the out-of-band upstream callback that
// completes it. Records are keyed by the upstream state parameter and are
// strictly one-time.
type BindingStore struct {
	kv  *kvstore.Store
	ttl time.Duration
	now func() time.Time
}

// NewBindingStore creates a binding store. A non-positive ttl falls back
// to the default.
func NewBindingStore(kv *kvstore.Store, ttl time.Duration) *BindingStore {
	if ttl <= 0 {
		ttl = DefaultBindingTTL
	}
	return &BindingStore{kv: kv, ttl: ttl, now: time.Now}
}

// StoreMCPAuthRequest persists a binding record under the upstream state.
// Fails if a record already exists for that state.
func (b *BindingStore) StoreMCPAuthRequest(ctx context.Context, externalState string, record MCPAuthRequest) error {
	if externalState == "" {
		return fmt.Errorf("external state must not be empty")
	}

	now := b.now()
	record.UpstreamState = externalState
	record.CreatedAt = now
	record.ExpiresAt = now.Add(b.ttl)

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal auth request binding: %w", err)
	}

	key := bindingKey(externalState)
	err = b.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectAbsent(key),
		kvstore.OpSet(key, value, kvstore.WithTTL(b.ttl)),
	})
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			return fmt.Errorf("auth request binding for state already exists")
		}
		return fmt.Errorf("failed to store auth request binding: %w", err)
	}

	logging.Debug("AuthServer", "Stored auth request binding for client=%s user=%s", record.MCPClientID, record.UserID)
	return nil
}

// GetMCPAuthRequest consumes the binding record for the upstream state.
// The read and delete are atomic, so of two concurrent callbacks with the
// same state exactly one obtains the record; the loser sees nil. Expired
// or unknown states also return nil.
func (b *BindingStore) GetMCPAuthRequest(ctx context.Context, externalState string) (*MCPAuthRequest, error) {
	key := bindingKey(externalState)

	value, found, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth request binding: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record MCPAuthRequest
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth request binding: %w", err)
	}

	err = b.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectExists(key),
		kvstore.OpDelete(key),
	})
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			// Another callback consumed it first.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume auth request binding: %w", err)
	}

	if !b.now().Before(record.ExpiresAt) {
		return nil, nil
	}
	return &record, nil
}
