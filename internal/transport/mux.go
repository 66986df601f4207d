package transport

import "net/http"

// MuxConfig carries the handlers BuildMux assembles into the full HTTP
// surface served by the streamable HTTP transport.
type MuxConfig struct {
	// MCP serves the /mcp endpoint.
	MCP http.HandlerFunc

	// AuthRoutes registers the OAuth authorization endpoints. Nil when
	// the OAuth layer is disabled.
	AuthRoutes func(mux *http.ServeMux)

	// Callback terminates the upstream provider flow at CallbackPath.
	CallbackPath string
	Callback     http.Handler

	// StatusAPI serves the read-only monitoring API under /api/v1/ plus
	// the /status and /health aliases.
	StatusAPI http.Handler

	// Middleware wraps the assembled mux, typically AuthMiddleware.
	Middleware func(http.Handler) http.Handler
}

// BuildMux assembles the complete handler: authorization endpoints,
// upstream callback, monitoring API, and the MCP endpoint, wrapped in
// the authentication middleware.
func BuildMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.AuthRoutes != nil {
		cfg.AuthRoutes(mux)
	}
	if cfg.Callback != nil && cfg.CallbackPath != "" {
		mux.Handle(cfg.CallbackPath, cfg.Callback)
	}
	if cfg.StatusAPI != nil {
		mux.Handle("/api/v1/", cfg.StatusAPI)
		mux.Handle("/status", cfg.StatusAPI)
		mux.Handle("/health", cfg.StatusAPI)
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", cfg.MCP)
	}

	if cfg.Middleware != nil {
		return cfg.Middleware(mux)
	}
	return mux
}
