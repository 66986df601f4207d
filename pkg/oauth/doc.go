// Package oauth provides shared OAuth 2.1 types and utilities used by both
// sides of tether's dual OAuth role.
//
// This package contains the common OAuth functionality shared between the
// authorization server implementation (internal/authserver), which issues
// tokens to MCP clients, and the upstream consumer implementation
// (internal/oauth), which obtains tokens from third-party providers.
//
// # Core Components
//
//   - Token: OAuth token representation with expiry checking
//   - Metadata: OAuth/OIDC server metadata (RFC 8414)
//   - AuthChallenge: WWW-Authenticate header construction and parsing
//   - PKCE: Proof Key for Code Exchange generation and verification (RFC 7636)
//   - Client: OAuth client for metadata discovery and token operations
//
// # Usage
//
// Server-side verification (authorization server):
//
//	import "tether/pkg/oauth"
//
//	if err := oauth.VerifyCodeChallenge(verifier, storedChallenge); err != nil {
//		// reject with invalid_grant
//	}
//
// Consumer-side flow (upstream provider):
//
//	client := oauth.NewClient()
//	metadata, err := client.DiscoverMetadata(ctx, issuer)
//	token, err := client.ExchangeCode(ctx, metadata.TokenEndpoint, code, redirectURI, clientID, clientSecret, verifier)
package oauth
