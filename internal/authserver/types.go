package authserver

import (
	"time"
)

// ClientRegistration is the persisted record for a dynamically registered
// OAuth client. Records are immutable after registration except for the
// soft-revocation flag.
type ClientRegistration struct {
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	ClientName              string    `json:"client_name,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	CodeChallengeMethods    []string  `json:"code_challenge_methods"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
	Revoked                 bool      `json:"revoked,omitempty"`
	RevokedAt               time.Time `json:"revoked_at,omitempty"`
}

// IsPublic reports whether the client authenticates without a secret.
// Public clients must use PKCE on the authorization code grant.
func (c *ClientRegistration) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// HasRedirectURI reports whether uri exactly matches a registered
// redirect URI.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client registered for the grant.
func (c *ClientRegistration) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AuthorizationCode is the persisted record behind an issued authorization
// code. Single-use: the record is deleted on the first exchange attempt
// that wins the atomic delete, regardless of how validation turns out.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessTokenRecord is the persisted record behind an issued access token.
type AccessTokenRecord struct {
	Token        string    `json:"access_token"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scopes       []string  `json:"scope"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// RefreshTokenRecord is the persisted record behind an issued refresh
// token. Exchanging it invalidates it, drops the access token it was
// issued with, and emits a fresh pair.
type RefreshTokenRecord struct {
	Token       string    `json:"refresh_token"`
	AccessToken string    `json:"access_token,omitempty"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	Scopes      []string  `json:"scope"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MCPAuthRequest binds an in-flight MCP client authorization to the
// upstream flow started for it. Keyed by the upstream state parameter and
// consumed one-time when the upstream callback arrives.
type MCPAuthRequest struct {
	MCPClientID    string    `json:"mcp_client_id"`
	MCPRedirectURI string    `json:"mcp_redirect_uri"`
	MCPState       string    `json:"mcp_state,omitempty"`
	CodeChallenge  string    `json:"code_challenge,omitempty"`
	Scope          string    `json:"scope,omitempty"`
	UpstreamState  string    `json:"upstream_state"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// IssuedTokens is the result of access token issuance: the new token pair
// plus the resolved expiry and scope for the token response.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
}

// TokenValidation is the structured outcome of validating a bearer token.
// When Valid is false, ErrorCode is one of invalid_token or expired_token
// and Error carries a human-readable description.
type TokenValidation struct {
	Valid     bool
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	Error     string
	ErrorCode string
}

// ClientValidation is the structured outcome of validating a client and
// optional redirect URI against the registry.
type ClientValidation struct {
	Valid     bool
	Client    *ClientRegistration
	Error     string
	ErrorCode string
}

// AuthContext is the outcome of the session-binding authorization run for
// one MCP request.
type AuthContext struct {
	Authorized bool
	ClientID   string
	UserID     string
	Scopes     []string

	// ActionTaken reports recovery work performed during authorization,
	// currently only "third_party_token_refreshed".
	ActionTaken string

	Error     string
	ErrorCode string
}
