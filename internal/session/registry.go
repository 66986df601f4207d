package session

import (
	"fmt"
	"sync"
	"time"

	"tether/pkg/logging"
)

const (
	// MaxSessionIDLength is the maximum allowed length for session IDs.
	// This prevents memory exhaustion attacks using extremely long session IDs.
	MaxSessionIDLength = 256

	// DefaultMaxSessions is the default maximum number of concurrent sessions.
	// This provides DoS protection by limiting session creation.
	DefaultMaxSessions = 10000
)

// Stream is the live transport binding tracked for a session. The HTTP
// transport registers its per-session stream handle, stdio registers the
// pipe pair. Close must be safe to call once.
type Stream interface {
	Close() error
}

// Registry is the thread-safe live map of transport sessions.
//
// It owns session id validation, the concurrent-session limit, and a
// background loop that evicts sessions idle past the configured timeout.
// Registry state is volatile; durable descriptors live in Store.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	maxSessions int
	onClose     func(sessionID string)
	stopCleanup chan struct{}
}

// Session is one live registry entry.
type Session struct {
	SessionID string
	UserID    string
	CreatedAt time.Time

	mu           sync.RWMutex
	LastActivity time.Time
	stream       Stream
}

// NewRegistry creates a registry with the default session limit.
//
// The registry starts a background goroutine for periodic cleanup of idle
// sessions. Callers MUST call Stop() when done to prevent goroutine leaks.
func NewRegistry(idleTimeout time.Duration) *Registry {
	return NewRegistryWithLimits(idleTimeout, DefaultMaxSessions)
}

// NewRegistryWithLimits creates a registry with a custom session limit
// (0 = unlimited, not recommended). An idleTimeout <= 0 falls back to
// 30 minutes.
func NewRegistryWithLimits(idleTimeout time.Duration, maxSessions int) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxSessions < 0 {
		maxSessions = DefaultMaxSessions
	}

	r := &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		maxSessions: maxSessions,
		stopCleanup: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// ValidateSessionID checks if a session ID is valid.
//
// A valid session ID must be non-empty and not longer than
// MaxSessionIDLength bytes.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return &InvalidSessionIDError{Reason: "session ID cannot be empty"}
	}
	if len(sessionID) > MaxSessionIDLength {
		return &InvalidSessionIDError{Reason: fmt.Sprintf("session ID exceeds maximum length of %d", MaxSessionIDLength)}
	}
	return nil
}

// OnClose registers a handler invoked with the session id after a session
// leaves the live map through Remove or idle eviction. Stop does not fire
// it: sessions surviving a shutdown are restored on the next boot.
func (r *Registry) OnClose(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
}

// Register inserts a session into the live map, replacing (and closing)
// any stream previously registered under the same id. Re-registering an
// existing session keeps its creation time; a non-empty userID overrides
// the one recorded at first registration.
func (r *Registry) Register(sessionID, userID string, stream Stream) (*Session, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		logging.Warn("SessionRegistry", "Rejected invalid session ID: %v", err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		existing.replaceStream(stream, userID)
		return existing, nil
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		logging.Warn("SessionRegistry", "Session limit reached (%d), rejecting new session: %s",
			r.maxSessions, logging.TruncateSessionID(sessionID))
		return nil, &SessionLimitExceededError{Limit: r.maxSessions, Current: len(r.sessions)}
	}

	now := time.Now()
	session := &Session{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		stream:       stream,
	}
	r.sessions[sessionID] = session
	logging.Debug("SessionRegistry", "Registered session: %s (total: %d)",
		logging.TruncateSessionID(sessionID), len(r.sessions))

	return session, nil
}

// Get returns the live session for an id and refreshes its activity
// timestamp. Invalid session IDs return nil and false.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if exists {
		session.UpdateActivity()
	}
	return session, exists
}

// Remove closes the session's stream, drops it from the live map, and
// fires the close handler. Removing an unknown session is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	onClose := r.onClose
	r.mu.Unlock()

	if !exists {
		return
	}

	session.closeStream()
	logging.Debug("SessionRegistry", "Removed session: %s", logging.TruncateSessionID(sessionID))

	if onClose != nil {
		onClose(sessionID)
	}
}

// All returns a snapshot copy of the live session map.
func (r *Registry) All() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Session, len(r.sessions))
	for k, v := range r.sessions {
		result[k] = v
	}
	return result
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stop stops the cleanup goroutine and closes every stream. The close
// handler is not fired: persisted descriptors stay active so the sessions
// can be restored after a restart.
func (r *Registry) Stop() {
	close(r.stopCleanup)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, session := range r.sessions {
		session.closeStream()
	}
	r.sessions = make(map[string]*Session)

	logging.Debug("SessionRegistry", "Session registry stopped")
}

// minCleanupInterval is the minimum interval between cleanup runs.
// This prevents excessive cleanup frequency when idleTimeout is very short.
const minCleanupInterval = time.Second

// cleanupLoop periodically removes idle sessions from the registry.
func (r *Registry) cleanupLoop() {
	cleanupInterval := r.idleTimeout / 2
	if cleanupInterval < minCleanupInterval {
		cleanupInterval = minCleanupInterval
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

// cleanup evicts all sessions idle past the timeout.
func (r *Registry) cleanup() {
	now := time.Now()

	r.mu.Lock()
	var evicted []string
	for sessionID, session := range r.sessions {
		// Check and close under the session lock so a concurrent touch
		// cannot revive a stream between the check and the close.
		session.mu.Lock()
		idle := now.Sub(session.LastActivity) > r.idleTimeout
		if idle {
			if session.stream != nil {
				if err := session.stream.Close(); err != nil {
					logging.Warn("SessionRegistry", "Error closing stream for session=%s: %v",
						logging.TruncateSessionID(session.SessionID), err)
				}
				session.stream = nil
			}
		}
		session.mu.Unlock()
		if idle {
			delete(r.sessions, sessionID)
			evicted = append(evicted, sessionID)
		}
	}
	onClose := r.onClose
	r.mu.Unlock()

	if onClose != nil {
		for _, sessionID := range evicted {
			onClose(sessionID)
		}
	}
	if len(evicted) > 0 {
		logging.Debug("SessionRegistry", "Cleaned up %d idle sessions", len(evicted))
	}
}

// UpdateActivity updates the last activity timestamp for the session.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// Stream returns the session's current transport binding, or nil after the
// stream was closed.
func (s *Session) Stream() Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

func (s *Session) replaceStream(stream Stream, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil && s.stream != stream {
		if err := s.stream.Close(); err != nil {
			logging.Warn("SessionRegistry", "Error closing replaced stream for session=%s: %v",
				logging.TruncateSessionID(s.SessionID), err)
		}
	}
	s.stream = stream
	if userID != "" {
		s.UserID = userID
	}
	s.LastActivity = time.Now()
}

func (s *Session) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		logging.Warn("SessionRegistry", "Error closing stream for session=%s: %v",
			logging.TruncateSessionID(s.SessionID), err)
	}
	s.stream = nil
}

// SessionNotFoundError is returned when a session is not found.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return "session not found: " + logging.TruncateSessionID(e.SessionID)
}

// InvalidSessionIDError is returned when a session ID fails validation.
type InvalidSessionIDError struct {
	Reason string
}

func (e *InvalidSessionIDError) Error() string {
	return "invalid session ID: " + e.Reason
}

// SessionLimitExceededError is returned when the maximum session limit is reached.
type SessionLimitExceededError struct {
	Limit   int
	Current int
}

func (e *SessionLimitExceededError) Error() string {
	return fmt.Sprintf("session limit exceeded: %d/%d sessions", e.Current, e.Limit)
}
