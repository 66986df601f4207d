package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tether/internal/kvstore"
	"tether/pkg/logging"
)

const (
	// DefaultRefreshBuffer is the slack before expiry during which a
	// credential is treated as expired, so callers refresh before the
	// upstream actually rejects the token.
	DefaultRefreshBuffer = 5 * time.Minute

	// expiredGrace is how long an expired credential that still carries a
	// refresh token survives before CleanupExpired removes it. The refresh
	// token may revive the credential during this window.
	expiredGrace = 30 * 24 * time.Hour
)

// Credentials is one third-party token set, keyed by (user, provider).
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
}

// indexRecord is the by_user index row. It carries no secrets and is
// stored unencrypted so expiry walks never decrypt.
type indexRecord struct {
	ProviderID      string    `json:"provider_id"`
	StoredAt        time.Time `json:"stored_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

// ExpiringCredential identifies a credential close to (or past) expiry.
type ExpiringCredential struct {
	ProviderID      string
	UserID          string
	ExpiresAt       time.Time
	HasRefreshToken bool
}

// Store persists third-party OAuth credentials encrypted at rest.
// Primary rows live at [creds, <provider>, <user>]; a by_user index at
// [creds, by_user, <user>, <provider>] supports per-user walks without
// touching ciphertext. Both rows always change in one atomic commit.
type Store struct {
	kv            *kvstore.Store
	encryptor     *Encryptor
	refreshBuffer time.Duration
	now           func() time.Time
}

// New creates a credential store. A refreshBuffer of zero selects
// DefaultRefreshBuffer.
func New(kv *kvstore.Store, encryptor *Encryptor, refreshBuffer time.Duration) *Store {
	if refreshBuffer <= 0 {
		refreshBuffer = DefaultRefreshBuffer
	}
	return &Store{
		kv:            kv,
		encryptor:     encryptor,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
	}
}

// RefreshBuffer reports the configured buffer, for callers that mirror the
// absent-within-buffer policy.
func (s *Store) RefreshBuffer() time.Duration {
	return s.refreshBuffer
}

func primaryKey(providerID, userID string) kvstore.Key {
	return kvstore.Key{"creds", providerID, userID}
}

func indexKey(userID, providerID string) kvstore.Key {
	return kvstore.Key{"creds", "by_user", userID, providerID}
}

// StoreCredentials writes or replaces the credential set for (user,
// provider). On update the original StoredAt is preserved.
func (s *Store) StoreCredentials(ctx context.Context, providerID, userID string, creds Credentials) error {
	if providerID == "" || userID == "" {
		return fmt.Errorf("provider and user must not be empty")
	}

	now := s.now()
	creds.StoredAt = now
	if existing, err := s.load(ctx, providerID, userID); err == nil && existing != nil {
		creds.StoredAt = existing.StoredAt
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	sealed, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	index, err := json.Marshal(indexRecord{
		ProviderID:      providerID,
		StoredAt:        creds.StoredAt,
		ExpiresAt:       creds.ExpiresAt,
		HasRefreshToken: creds.RefreshToken != "",
	})
	if err != nil {
		return fmt.Errorf("failed to encode credential index: %w", err)
	}

	err = s.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpSet(primaryKey(providerID, userID), sealed),
		kvstore.OpSet(indexKey(userID, providerID), index),
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the credential set for (user, provider), or nil
// when none is stored or the stored one expires within the refresh buffer.
// Reads touch LastUsedAt best-effort; a failed touch never fails the read.
func (s *Store) GetCredentials(ctx context.Context, providerID, userID string) (*Credentials, error) {
	creds, err := s.load(ctx, providerID, userID)
	if err != nil || creds == nil {
		return nil, err
	}

	if !creds.ExpiresAt.IsZero() && !creds.ExpiresAt.After(s.now().Add(s.refreshBuffer)) {
		return nil, nil
	}

	creds.LastUsedAt = s.now()
	if err := s.writePrimary(ctx, providerID, userID, *creds); err != nil {
		logging.Warn("credstore", "Failed to touch last_used_at for %s/%s: %v", providerID, userID, err)
	}
	return creds, nil
}

// GetCredentialsForRefresh returns the stored credential set regardless of
// expiry, so the consumer can reach the refresh token of an expired
// credential. Returns nil when nothing is stored.
func (s *Store) GetCredentialsForRefresh(ctx context.Context, providerID, userID string) (*Credentials, error) {
	return s.load(ctx, providerID, userID)
}

// DeleteCredentials removes the credential set and its index row.
func (s *Store) DeleteCredentials(ctx context.Context, providerID, userID string) error {
	err := s.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpDelete(primaryKey(providerID, userID)),
		kvstore.OpDelete(indexKey(userID, providerID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// DeleteAllForUser removes every credential the user holds, across all
// providers, in one atomic commit.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) error {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"creds", "by_user", userID})
	if err != nil {
		return fmt.Errorf("failed to list credentials for user: %w", err)
	}

	var ops []kvstore.Op
	for _, entry := range entries {
		var idx indexRecord
		if err := json.Unmarshal(entry.Value, &idx); err != nil {
			logging.Warn("credstore", "Skipping undecodable index row %s: %v", entry.Key.String(), err)
			continue
		}
		ops = append(ops,
			kvstore.OpDelete(primaryKey(idx.ProviderID, userID)),
			kvstore.OpDelete(entry.Key),
		)
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.kv.AtomicCommit(ctx, ops); err != nil {
		return fmt.Errorf("failed to delete credentials for user: %w", err)
	}
	return nil
}

// ListExpiring returns credentials that expire within the given buffer
// (including already-expired ones), walking only the index.
func (s *Store) ListExpiring(ctx context.Context, buffer time.Duration) ([]ExpiringCredential, error) {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"creds", "by_user"})
	if err != nil {
		return nil, fmt.Errorf("failed to list credential index: %w", err)
	}

	cutoff := s.now().Add(buffer)
	var expiring []ExpiringCredential
	for _, entry := range entries {
		// Index keys are [creds, by_user, <user>, <provider>].
		if len(entry.Key) != 4 {
			continue
		}
		var idx indexRecord
		if err := json.Unmarshal(entry.Value, &idx); err != nil {
			logging.Warn("credstore", "Skipping undecodable index row %s: %v", entry.Key.String(), err)
			continue
		}
		if idx.ExpiresAt.IsZero() || idx.ExpiresAt.After(cutoff) {
			continue
		}
		expiring = append(expiring, ExpiringCredential{
			ProviderID:      idx.ProviderID,
			UserID:          entry.Key[2],
			ExpiresAt:       idx.ExpiresAt,
			HasRefreshToken: idx.HasRefreshToken,
		})
	}
	return expiring, nil
}

// CleanupExpired removes dead credentials: expired ones without a refresh
// token immediately, refresh-capable ones only after the grace window.
// Returns the number of credential sets removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	expiring, err := s.ListExpiring(ctx, 0)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var ops []kvstore.Op
	removed := 0
	for _, cred := range expiring {
		dead := !cred.HasRefreshToken || cred.ExpiresAt.Before(now.Add(-expiredGrace))
		if !dead {
			continue
		}
		ops = append(ops,
			kvstore.OpDelete(primaryKey(cred.ProviderID, cred.UserID)),
			kvstore.OpDelete(indexKey(cred.UserID, cred.ProviderID)),
		)
		removed++
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.kv.AtomicCommit(ctx, ops); err != nil {
		return 0, fmt.Errorf("failed to clean up expired credentials: %w", err)
	}
	return removed, nil
}

func (s *Store) load(ctx context.Context, providerID, userID string) (*Credentials, error) {
	sealed, found, err := s.kv.Get(ctx, primaryKey(providerID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if !found {
		return nil, nil
	}
	plaintext, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// writePrimary rewrites only the primary row, used for LastUsedAt touches
// where the index content does not change.
func (s *Store) writePrimary(ctx context.Context, providerID, userID string, creds Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, primaryKey(providerID, userID), sealed)
}
