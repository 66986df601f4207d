package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tether/internal/authserver"
	"tether/internal/reqctx"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// Headers used on MCP requests and responses.
const (
	// HeaderSessionID carries the MCP session id.
	HeaderSessionID = "Mcp-Session-Id"

	// HeaderLastEventID carries the resume cursor on the SSE stream.
	HeaderLastEventID = "Last-Event-Id"

	// Identity headers set on the forwarded request after successful
	// authentication.
	HeaderClientID      = "X-MCP-Client-ID"
	HeaderUserID        = "X-MCP-User-ID"
	HeaderScope         = "X-MCP-Scope"
	HeaderAuthenticated = "X-MCP-Authenticated"

	// HeaderActionTaken reports side effects of authorization, such as a
	// third-party token refresh, on the response.
	HeaderActionTaken = "X-MCP-Action-Taken"
)

// Authorizer authorizes one MCP request from its Authorization header
// value. Implemented by authserver.Provider.
type Authorizer interface {
	AuthorizeMCPRequest(ctx context.Context, bearer string) authserver.AuthContext
}

// MiddlewareConfig controls the authentication middleware.
type MiddlewareConfig struct {
	// Enabled gates the whole OAuth layer. When false every request
	// passes through anonymously.
	Enabled bool

	// SkipAuthentication keeps OAuth endpoints mounted but lets every
	// request through. Development only.
	SkipAuthentication bool

	// MinTokenLength rejects shorter bearer tokens before any lookup.
	MinTokenLength int

	// CallbackPath is the upstream OAuth callback, reachable without a
	// token so the browser redirect can complete.
	CallbackPath string

	// TransportType tags request contexts, e.g. "streamable-http".
	TransportType string
}

// publicPaths are reachable without a bearer token: health probes and
// the OAuth endpoints themselves (a client cannot hold a token before
// talking to them).
var publicPaths = []string{
	"/status",
	"/health",
	"/.well-known/oauth-authorization-server",
	"/authorize",
	"/token",
	"/register",
	"/revoke",
}

// publicPrefixes extend publicPaths to whole subtrees. The monitoring
// API must stay reachable for probes and dashboards.
var publicPrefixes = []string{"/api/v1/"}

func isPublicPath(path, callbackPath string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	if callbackPath != "" && path == callbackPath {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AuthMiddleware returns the bearer-token authentication middleware for
// the HTTP transport. Requests to public paths pass through untouched;
// everything else needs a token the Authorizer accepts. Successful
// requests are annotated with the identity headers and run inside a
// request-context scope.
func AuthMiddleware(authorizer Authorizer, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || cfg.SkipAuthentication {
				serveAnonymous(next, w, r, cfg.TransportType)
				return
			}

			if isPublicPath(r.URL.Path, cfg.CallbackPath) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeAuthError(w, http.StatusUnauthorized, oauth.ErrorMissingToken, "Authorization header required")
				return
			}

			token, ok := bearerToken(header)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, oauth.ErrorInvalidAuthHeader, "Authorization header must be \"Bearer <token>\"")
				return
			}
			if len(token) < cfg.MinTokenLength {
				writeAuthError(w, http.StatusUnauthorized, oauth.ErrorTokenTooShort, fmt.Sprintf("token must be at least %d characters", cfg.MinTokenLength))
				return
			}

			authCtx := authorizer.AuthorizeMCPRequest(r.Context(), header)
			if !authCtx.Authorized {
				status := http.StatusUnauthorized
				if authCtx.ErrorCode == oauth.ErrorThirdPartyReauth {
					status = http.StatusForbidden
				}
				logging.Debug("AuthMiddleware", "Rejected %s %s: %s", r.Method, r.URL.Path, authCtx.ErrorCode)
				writeAuthError(w, status, authCtx.ErrorCode, authCtx.Error)
				return
			}

			r.Header.Set(HeaderClientID, authCtx.ClientID)
			r.Header.Set(HeaderUserID, authCtx.UserID)
			r.Header.Set(HeaderScope, oauth.JoinScope(authCtx.Scopes))
			r.Header.Set(HeaderAuthenticated, "true")
			if authCtx.ActionTaken != "" {
				w.Header().Set(HeaderActionTaken, authCtx.ActionTaken)
			}

			rc := reqctx.New(cfg.TransportType)
			rc.SessionID = r.Header.Get(HeaderSessionID)
			rc.ClientID = authCtx.ClientID
			rc.UserID = authCtx.UserID
			rc.Scopes = authCtx.Scopes
			rc.Authenticated = true
			if authCtx.ActionTaken != "" {
				rc.UpdateMetadata("actionTaken", authCtx.ActionTaken)
			}

			_ = reqctx.ExecuteWithAuthContext(r.Context(), rc, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
		})
	}
}

// serveAnonymous passes the request through with an unauthenticated
// request context, so downstream code can still read session id and
// transport type.
func serveAnonymous(next http.Handler, w http.ResponseWriter, r *http.Request, transportType string) {
	rc := reqctx.New(transportType)
	rc.SessionID = r.Header.Get(HeaderSessionID)

	_ = reqctx.ExecuteWithAuthContext(r.Context(), rc, func(ctx context.Context) error {
		next.ServeHTTP(w, r.WithContext(ctx))
		return nil
	})
}

// bearerToken extracts the token from an Authorization header value.
// Returns false for any shape other than "Bearer <non-empty>".
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := header[len(prefix):]
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// authErrorBody is the JSON shape of middleware authentication
// failures. Clients key off errorCode, so it sits at the top level.
type authErrorBody struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func writeAuthError(w http.ResponseWriter, status int, errorCode, message string) {
	if message == "" {
		message = errorCode
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", errorCode))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(authErrorBody{Error: message, ErrorCode: errorCode})
}
