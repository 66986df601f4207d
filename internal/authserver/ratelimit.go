package authserver

import (
	"net/http"

	"golang.org/x/time/rate"

	"tether/pkg/oauth"
)

// Default rate limit for the token and register endpoints: 50 requests
// per 15 minutes.
const (
	defaultRateLimitRequests = 50
	defaultRateLimitWindow   = 15 * 60 // seconds
)

// newEndpointLimiter builds a limiter for one endpoint. requests <= 0
// disables limiting.
func newEndpointLimiter(requests int, windowSeconds int) *rate.Limiter {
	if requests <= 0 {
		return nil
	}
	if windowSeconds <= 0 {
		windowSeconds = defaultRateLimitWindow
	}
	perSecond := rate.Limit(float64(requests) / float64(windowSeconds))
	return rate.NewLimiter(perSecond, requests)
}

// rateLimit wraps a handler with a token-bucket limiter. Exceeding the
// limit yields 429 with an OAuth error body.
func rateLimit(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeOAuthError(w, http.StatusTooManyRequests, oauth.ErrorInvalidRequest, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// allowMethods rejects requests whose method is not in the allow set with
// 405 and an Allow header.
func allowMethods(next http.HandlerFunc, methods ...string) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(methods))
	allowHeader := ""
	for i, m := range methods {
		allowed[m] = struct{}{}
		if i > 0 {
			allowHeader += ", "
		}
		allowHeader += m
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := allowed[r.Method]; !ok {
			w.Header().Set("Allow", allowHeader)
			writeOAuthError(w, http.StatusMethodNotAllowed, oauth.ErrorInvalidRequest, "method not allowed")
			return
		}
		next(w, r)
	}
}

// withCORS adds permissive CORS headers so browser-based MCP clients can
// reach the OAuth endpoints, and answers preflight requests.
func withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
