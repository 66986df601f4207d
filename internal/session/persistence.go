package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tether/internal/kvstore"
	"tether/pkg/logging"
)

// anonymousUser keys the by_user index rows of sessions persisted without
// an authenticated user.
const anonymousUser = "anonymous"

// TransportConfig captures the transport settings a restarted process needs
// to rebuild a session's HTTP binding.
type TransportConfig struct {
	Host                   string   `json:"host"`
	Port                   int      `json:"port"`
	AllowedHosts           []string `json:"allowed_hosts,omitempty"`
	DNSRebindingProtection bool     `json:"dns_rebinding_protection"`
}

// PersistedSession is the durable descriptor of a transport session.
type PersistedSession struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Active       bool              `json:"active"`
	Transport    TransportConfig   `json:"transport_config"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store persists session descriptors so a restarted process can re-register
// the same session ids. Every write that touches the primary record and the
// by_user index commits atomically.
type Store struct {
	kv  *kvstore.Store
	now func() time.Time
}

// NewStore creates a session descriptor store on the given KV store.
func NewStore(kv *kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

func sessionKey(sessionID string) kvstore.Key {
	return kvstore.Key{"transport", "session", sessionID}
}

func userIndexKey(userID, sessionID string) kvstore.Key {
	return kvstore.Key{"transport", "session_by_user", indexUser(userID), sessionID}
}

func indexUser(userID string) string {
	if userID == "" {
		return anonymousUser
	}
	return userID
}

// PersistSession writes the session descriptor and its by_user index row in
// one atomic commit. Re-persisting an existing session keeps its creation
// time; when the bound user changed, the old index row is removed in the
// same commit.
func (s *Store) PersistSession(ctx context.Context, sessionID string, cfg TransportConfig, userID string, metadata map[string]string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	now := s.now()
	record := &PersistedSession{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Transport:    cfg,
		Metadata:     metadata,
	}

	existing, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}

	ops := make([]kvstore.Op, 0, 3)
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
		if indexUser(existing.UserID) != indexUser(userID) {
			ops = append(ops, kvstore.OpDelete(userIndexKey(existing.UserID, sessionID)))
		}
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	ops = append(ops,
		kvstore.OpSet(sessionKey(sessionID), value),
		kvstore.OpSet(userIndexKey(userID, sessionID), []byte(sessionID)),
	)
	if err := s.kv.AtomicCommit(ctx, ops); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	logging.Debug("SessionStore", "Persisted session %s (user=%s)",
		logging.TruncateSessionID(sessionID), indexUser(userID))
	return nil
}

// UpdateActivity stamps the descriptor's last activity time. Returns
// SessionNotFoundError when the session was never persisted.
func (s *Store) UpdateActivity(ctx context.Context, sessionID string) error {
	record, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if record == nil {
		return &SessionNotFoundError{SessionID: sessionID}
	}

	record.LastActivity = s.now()
	return s.putSession(ctx, record)
}

// MarkInactive flags the session as disconnected. Unknown sessions are a
// no-op: close handlers fire for sessions cleanup may already have removed.
func (s *Store) MarkInactive(ctx context.Context, sessionID string) error {
	record, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if record == nil || !record.Active {
		return nil
	}

	record.Active = false
	record.LastActivity = s.now()
	if err := s.putSession(ctx, record); err != nil {
		return err
	}

	logging.Debug("SessionStore", "Marked session inactive: %s", logging.TruncateSessionID(sessionID))
	return nil
}

// GetInfo returns the persisted descriptor, or nil when the session was
// never persisted or has been cleaned up.
func (s *Store) GetInfo(ctx context.Context, sessionID string) (*PersistedSession, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.getSession(ctx, sessionID)
}

// GetUserSessions returns every persisted session indexed under the user,
// in session id order. Pass the empty string for anonymous sessions.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]*PersistedSession, error) {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"transport", "session_by_user", indexUser(userID)})
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sessions := make([]*PersistedSession, 0, len(entries))
	for _, entry := range entries {
		sessionID := entry.Key[len(entry.Key)-1]
		record, err := s.getSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			logging.Debug("SessionStore", "Skipping orphaned index row for session %s",
				logging.TruncateSessionID(sessionID))
			continue
		}
		sessions = append(sessions, record)
	}
	return sessions, nil
}

// ListSessions returns every persisted session descriptor, active or
// not, in session id order. Undecodable records are skipped.
func (s *Store) ListSessions(ctx context.Context) ([]*PersistedSession, error) {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"transport", "session"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*PersistedSession, 0, len(entries))
	for _, entry := range entries {
		var record PersistedSession
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			logging.Warn("SessionStore", "Skipping undecodable session record %v: %v", entry.Key, err)
			continue
		}
		sessions = append(sessions, &record)
	}
	return sessions, nil
}

// GetActiveSessions returns every persisted session still flagged active.
func (s *Store) GetActiveSessions(ctx context.Context) ([]*PersistedSession, error) {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"transport", "session"})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*PersistedSession
	for _, entry := range entries {
		var record PersistedSession
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			logging.Warn("SessionStore", "Skipping undecodable session record %v: %v", entry.Key, err)
			continue
		}
		if record.Active {
			sessions = append(sessions, &record)
		}
	}
	return sessions, nil
}

// CleanupOldSessions deletes sessions whose last activity is older than
// maxAge, active or not. Each session's primary record and by_user index
// row are removed in one atomic commit so readers never observe a
// half-deleted session. Returns the number of sessions deleted.
func (s *Store) CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := s.kv.ListByPrefix(ctx, kvstore.Key{"transport", "session"})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	deleted := 0
	for _, entry := range entries {
		var record PersistedSession
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			logging.Warn("SessionStore", "Deleting undecodable session record %v: %v", entry.Key, err)
			if err := s.kv.Delete(ctx, entry.Key); err != nil {
				return deleted, fmt.Errorf("failed to delete session record: %w", err)
			}
			deleted++
			continue
		}
		if record.LastActivity.After(cutoff) {
			continue
		}

		err := s.kv.AtomicCommit(ctx, []kvstore.Op{
			kvstore.OpDelete(sessionKey(record.SessionID)),
			kvstore.OpDelete(userIndexKey(record.UserID, record.SessionID)),
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete session %s: %w", record.SessionID, err)
		}
		deleted++
	}

	if deleted > 0 {
		logging.Debug("SessionStore", "Cleaned up %d stale sessions", deleted)
	}
	return deleted, nil
}

func (s *Store) getSession(ctx context.Context, sessionID string) (*PersistedSession, error) {
	value, found, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record PersistedSession
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return &record, nil
}

func (s *Store) putSession(ctx context.Context, record *PersistedSession) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(record.SessionID), value); err != nil {
		return fmt.Errorf("failed to store session record: %w", err)
	}
	return nil
}
