// Package reqctx carries per-request identity through the handler stack.
//
// A RequestContext is created by the transport layer for every MCP request,
// populated by the authentication middleware, and installed into the
// request's context.Context. Downstream code retrieves it with FromContext
// instead of threading identity parameters through every call. Identity
// never lives in package state: concurrent requests each carry their own
// value and cannot observe one another.
package reqctx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestContextKey is the context key for the request's RequestContext.
// An empty struct type cannot collide with keys from other packages.
type requestContextKey struct{}

// RequestContext describes one in-flight MCP request. The identity fields
// are written once by the transport before the handler runs and read-only
// afterwards; only the metadata map may be updated during handling.
type RequestContext struct {
	RequestID     string
	SessionID     string
	TransportType string
	UserID        string
	ClientID      string
	Scopes        []string
	Authenticated bool
	StartTime     time.Time

	mu       sync.RWMutex
	metadata map[string]string
}

// New creates a RequestContext for the given transport with a fresh request
// id and start time.
func New(transportType string) *RequestContext {
	return &RequestContext{
		RequestID:     uuid.NewString(),
		TransportType: transportType,
		StartTime:     time.Now(),
		metadata:      make(map[string]string),
	}
}

// WithRequestContext installs rc into the context. A nil rc returns the
// context unchanged.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext retrieves the current RequestContext. Outside a request scope
// it returns nil and false.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// ExecuteWithAuthContext runs fn inside a scope where rc is the current
// request context. Scopes nest: the derived context carries rc while the
// caller's context keeps its own value, so leaving the inner scope restores
// the outer identity.
func ExecuteWithAuthContext(ctx context.Context, rc *RequestContext, fn func(ctx context.Context) error) error {
	return fn(WithRequestContext(ctx, rc))
}

// HasScope reports whether the request was granted the scope.
func (rc *RequestContext) HasScope(scope string) bool {
	for _, s := range rc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether the request was granted every listed scope.
func (rc *RequestContext) HasAllScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !rc.HasScope(scope) {
			return false
		}
	}
	return true
}

// Duration returns how long the request has been running.
func (rc *RequestContext) Duration() time.Duration {
	return time.Since(rc.StartTime)
}

// UpdateMetadata sets a metadata entry. Safe for concurrent use.
func (rc *RequestContext) UpdateMetadata(key, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.metadata == nil {
		rc.metadata = make(map[string]string)
	}
	rc.metadata[key] = value
}

// Metadata returns a snapshot copy of the metadata map.
func (rc *RequestContext) Metadata() map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	out := make(map[string]string, len(rc.metadata))
	for k, v := range rc.metadata {
		out[k] = v
	}
	return out
}
