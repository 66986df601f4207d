// Package authserver implements the OAuth 2.0 authorization server that
// protects the MCP endpoint.
//
// Tether plays both OAuth roles at once: towards MCP clients it is an
// authorization server issuing its own tokens, and towards an upstream
// identity provider it is a consumer holding third-party credentials.
// This package is the authorization server half; the consumer half lives
// in internal/oauth.
//
// # Endpoints
//
// The Server registers five HTTP endpoints:
//
//   - GET  /.well-known/oauth-authorization-server — RFC 8414 metadata
//   - POST /register — RFC 7591 dynamic client registration
//   - GET  /authorize — authorization code issuance (PKCE, S256 only)
//   - POST /token — authorization_code and refresh_token grants
//   - POST /revoke — RFC 7009 token revocation
//
// # Components
//
//   - ClientRegistry: persisted client registrations with soft revocation
//   - TokenManager: authorization codes, access tokens, and rotating
//     refresh tokens, all backed by the KV store
//   - BindingStore: pending authorization requests parked while the
//     browser completes the upstream identity provider flow
//   - Provider: the coordination facade the transport layer calls to
//     authorize MCP requests and exchange codes for tokens
//
// # Session binding
//
// When an upstream identity provider is configured, every MCP token is
// bound to the upstream credential of the user it was issued for. A
// request authenticated with a valid MCP token is still refused when the
// upstream credential has expired and cannot be refreshed; the client
// receives error code "third_party_reauth_required" and must send the
// user back through the browser flow. AuthorizeMCPRequest never returns
// authorized without a live upstream credential.
//
// # Concurrency
//
// Authorization codes and refresh tokens are single-use. Concurrent
// exchange attempts race inside the KV store's atomic commit; exactly one
// caller wins and the loser receives invalid_grant. Nothing in this
// package holds locks across storage calls.
//
// # Security notes
//
// Token and code strings carry 32 bytes of cryptographic randomness.
// Client secrets and PKCE challenges are compared in constant time.
// Session identifiers are truncated in log output and token values are
// never logged. The token, register, and authorize endpoints are rate
// limited (default 50 requests per 15 minutes each).
package authserver
