// Package oauth implements the consumer half of Tether's dual OAuth role:
// the server-side client that holds each user's credentials at the
// third-party provider.
//
// While internal/authserver issues MCP tokens to connecting clients, this
// package obtains and maintains the upstream tokens those MCP tokens are
// bound to. The two sides meet in the session-binding check: an MCP token
// only authorizes requests while the consumer can present (or refresh) a
// live upstream credential for its user.
//
// # Components
//
//   - Consumer: the orchestrating type. Starts browser flows, completes
//     callbacks, and serves credentials with transparent refresh.
//   - ProviderAdapter: the wire operations against one provider
//     (BuildAuthURL, ExchangeCode, RefreshTokens). The default httpAdapter
//     speaks plain OAuth 2.1 with RFC 8414 endpoint discovery; tests and
//     nonstandard providers substitute their own.
//   - flowStore: pending authorization flows persisted in the KV store
//     under [creds, flow, <state>], so a callback still completes after a
//     process restart. Records are one-time and expire after ten minutes.
//   - CallbackHandler: the HTTP endpoint the provider redirects back to.
//     It redeems the code, stores the credentials, and either forwards the
//     browser to the MCP client that is waiting on this flow or renders a
//     terminal success page.
//
// # Authorization flow
//
//	StartAuthorizationFlow(user)
//	    -> state (32 chars) + optional PKCE verifier persisted
//	    -> provider authorization URL returned
//	user authenticates at the provider
//	    -> GET callback?code=...&state=...
//	HandleAuthorizationCallback(code, state)
//	    -> flow record consumed (one-time)
//	    -> code exchanged at the token endpoint
//	    -> credentials stored encrypted, keyed (provider, user)
//
// # Refresh
//
// GetValidAccessToken returns stored credentials while they are outside
// the refresh buffer. Inside the buffer (or past expiry) it refreshes with
// the stored refresh token, coalescing concurrent callers through a
// singleflight group keyed provider|user, because upstream refresh tokens
// are frequently single-use and a raced refresh invalidates the winner's
// replacement. A definitive provider rejection (4xx) deletes the
// credential row and yields nil; the user must authorize again in the
// browser.
//
// # Security notes
//
//   - State parameters are 24 random bytes, one-time use, bounded by TTL.
//   - PKCE verifiers never leave the server; they are persisted with the
//     flow record and sent only to the token endpoint.
//   - Stored credentials are encrypted at rest by internal/credstore.
//   - Callback pages set restrictive security headers and escape any
//     provider-supplied text before rendering.
package oauth
