package authserver

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"tether/pkg/logging"
)

// UpstreamAuthorizer starts browser-based authorization against the
// upstream identity provider. It is implemented by the OAuth consumer and
// injected into the server when session binding is enabled.
type UpstreamAuthorizer interface {
	// IsUserAuthenticated reports whether the user currently holds valid
	// upstream credentials.
	IsUserAuthenticated(ctx context.Context, userID string) bool

	// StartAuthorizationFlow builds the upstream authorization URL and
	// returns it together with the state parameter that identifies the
	// flow on callback.
	StartAuthorizationFlow(ctx context.Context, userID string) (authURL string, state string, err error)
}

// ServerConfig carries the tunable parts of the authorization server
// endpoints.
type ServerConfig struct {
	// Issuer is the externally visible base URL of this server, used in
	// the RFC 8414 metadata document. When empty the issuer is derived
	// from the incoming request.
	Issuer string

	// SupportedScopes lists the scopes advertised in metadata and
	// accepted at the authorization endpoint.
	SupportedScopes []string

	// DefaultScopes are granted when an authorization request carries no
	// scope parameter.
	DefaultScopes []string

	// DefaultUserID identifies the local user that MCP clients authorize
	// as. Single-user deployments leave this at "default".
	DefaultUserID string

	// RateLimitRequests and RateLimitWindowSeconds bound the request rate
	// on the token and register endpoints. Zero values use the package
	// defaults; a negative request count disables limiting.
	RateLimitRequests      int
	RateLimitWindowSeconds int
}

func (c *ServerConfig) applyDefaults() {
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"read", "write"}
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = c.SupportedScopes
	}
	if c.DefaultUserID == "" {
		c.DefaultUserID = "default"
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = defaultRateLimitRequests
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = defaultRateLimitWindow
	}
}

// Server exposes the OAuth 2.0 authorization server endpoints over HTTP.
// All state lives in the injected Provider; Server only does transport.
type Server struct {
	provider *Provider
	upstream UpstreamAuthorizer
	config   ServerConfig

	tokenLimiter     *rate.Limiter
	registerLimiter  *rate.Limiter
	authorizeLimiter *rate.Limiter
}

// NewServer builds the HTTP surface around provider. upstream may be nil
// when no upstream identity provider is configured; authorization then
// issues codes directly for the configured default user.
func NewServer(provider *Provider, upstream UpstreamAuthorizer, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	s := &Server{
		provider: provider,
		upstream: upstream,
		config:   cfg,
	}
	s.tokenLimiter = newEndpointLimiter(cfg.RateLimitRequests, cfg.RateLimitWindowSeconds)
	s.registerLimiter = newEndpointLimiter(cfg.RateLimitRequests, cfg.RateLimitWindowSeconds)
	s.authorizeLimiter = newEndpointLimiter(cfg.RateLimitRequests, cfg.RateLimitWindowSeconds)
	return s
}

// Routes registers the authorization endpoints on mux. The paths match
// the ones advertised in the metadata document.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server",
		withCORS(allowMethods(s.handleMetadata, http.MethodGet)))
	mux.HandleFunc("/authorize",
		rateLimit(s.authorizeLimiter, allowMethods(s.handleAuthorize, http.MethodGet)))
	mux.HandleFunc("/token",
		withCORS(rateLimit(s.tokenLimiter, allowMethods(s.handleToken, http.MethodPost))))
	mux.HandleFunc("/register",
		withCORS(rateLimit(s.registerLimiter, allowMethods(s.handleRegister, http.MethodPost))))
	mux.HandleFunc("/revoke",
		withCORS(rateLimit(s.tokenLimiter, allowMethods(s.handleRevoke, http.MethodPost))))

	logging.Debug("AuthServer", "Registered OAuth endpoints (issuer: %s)", s.config.Issuer)
}

// Provider returns the authorization provider backing this server.
func (s *Server) Provider() *Provider {
	return s.provider
}

// issuerFor resolves the issuer URL for a request, preferring the
// configured value and falling back to the request host.
func (s *Server) issuerFor(r *http.Request) string {
	if s.config.Issuer != "" {
		return s.config.Issuer
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
