package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"tether/internal/credstore"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// AuthService is the slice of the upstream credential side the provider
// needs for session binding. Implemented by the OAuth consumer.
type AuthService interface {
	// IsUserAuthenticated reports whether the user holds a live upstream
	// credential (outside the refresh buffer).
	IsUserAuthenticated(ctx context.Context, userID string) bool

	// GetCredentialsForRefresh returns stored credentials even when they
	// are inside the refresh buffer or expired, so their refresh token
	// can be used. Nil when nothing is stored.
	GetCredentialsForRefresh(ctx context.Context, userID string) (*credstore.Credentials, error)

	// UpdateUserCredentials stores refreshed upstream credentials.
	UpdateUserCredentials(ctx context.Context, userID string, creds credstore.Credentials) error

	// InvalidateUserCredentials removes stored credentials after the
	// upstream definitively rejected their refresh token.
	InvalidateUserCredentials(ctx context.Context, userID string) error
}

// UpstreamClient performs token operations against the third-party
// provider. Implemented by the OAuth consumer's wire client.
type UpstreamClient interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*credstore.Credentials, error)
}

// ActionRefreshed is reported in AuthContext.ActionTaken when
// authorization succeeded only after refreshing the upstream credential.
const ActionRefreshed = "third_party_token_refreshed"

// Provider coordinates the token manager, client registry, binding store,
// and the upstream credential side. Its core operation is
// AuthorizeMCPRequest, which enforces session binding: an MCP access
// token authorizes a request only while its user's upstream credential is
// live or can be made live by a refresh.
type Provider struct {
	tokens   *TokenManager
	clients  *ClientRegistry
	bindings *BindingStore

	// Both nil when session binding is disabled; then MCP token validity
	// alone decides authorization.
	authService AuthService
	upstream    UpstreamClient
}

// NewProvider creates the coordinator. authService and upstream may be
// nil; the session-binding steps degrade as described on
// AuthorizeMCPRequest.
func NewProvider(tokens *TokenManager, clients *ClientRegistry, bindings *BindingStore, authService AuthService, upstream UpstreamClient) *Provider {
	return &Provider{
		tokens:      tokens,
		clients:     clients,
		bindings:    bindings,
		authService: authService,
		upstream:    upstream,
	}
}

// Tokens exposes the token manager for endpoint handlers.
func (p *Provider) Tokens() *TokenManager { return p.tokens }

// Clients exposes the client registry for endpoint handlers.
func (p *Provider) Clients() *ClientRegistry { return p.clients }

// Bindings exposes the binding store for endpoint handlers.
func (p *Provider) Bindings() *BindingStore { return p.bindings }

// SessionBindingEnabled reports whether upstream credential liveness is
// part of authorization.
func (p *Provider) SessionBindingEnabled() bool { return p.authService != nil }

// AuthorizeMCPRequest authorizes one MCP request from its bearer token.
//
// The token is validated first. When session binding is enabled the
// user's upstream credential must additionally be live; if it is not, one
// refresh attempt is made through the upstream client, and only a
// successful refresh lets the request through (ActionTaken reports it).
// A request never succeeds while its bound upstream credential is dead.
func (p *Provider) AuthorizeMCPRequest(ctx context.Context, bearer string) AuthContext {
	token := strings.TrimPrefix(bearer, "Bearer ")

	validation := p.tokens.ValidateAccessToken(ctx, token)
	if !validation.Valid {
		return AuthContext{
			Error:     validation.Error,
			ErrorCode: validation.ErrorCode,
			ClientID:  validation.ClientID,
			UserID:    validation.UserID,
		}
	}

	authorized := AuthContext{
		Authorized: true,
		ClientID:   validation.ClientID,
		UserID:     validation.UserID,
		Scopes:     validation.Scopes,
	}

	if p.authService == nil {
		return authorized
	}

	if p.authService.IsUserAuthenticated(ctx, validation.UserID) {
		return authorized
	}

	if p.upstream != nil {
		if p.refreshUpstreamCredential(ctx, validation.UserID) {
			authorized.ActionTaken = ActionRefreshed
			return authorized
		}
	}

	logging.Audit(logging.AuditEvent{
		Action:   "mcp_request_authorization",
		Outcome:  "denied",
		ClientID: validation.ClientID,
		UserID:   validation.UserID,
		Detail:   "upstream credential expired and not refreshable",
	})
	return AuthContext{
		ClientID:  validation.ClientID,
		UserID:    validation.UserID,
		Error:     oauth.GuidanceThirdPartyReauth,
		ErrorCode: oauth.ErrorThirdPartyReauth,
	}
}

// refreshUpstreamCredential tries to revive the user's upstream
// credential with its refresh token. Credentials that the upstream
// definitively rejects are deleted so later requests fail fast to
// re-authentication.
func (p *Provider) refreshUpstreamCredential(ctx context.Context, userID string) bool {
	creds, err := p.authService.GetCredentialsForRefresh(ctx, userID)
	if err != nil {
		logging.Error("OAuthProvider", err, "Failed to load credentials for refresh (user=%s)", userID)
		return false
	}
	if creds == nil || creds.RefreshToken == "" {
		return false
	}

	refreshed, err := p.upstream.RefreshAccessToken(ctx, creds.RefreshToken)
	if err != nil {
		var reqErr *oauth.TokenRequestError
		if errors.As(err, &reqErr) && reqErr.Permanent() {
			logging.Warn("OAuthProvider", "Upstream rejected refresh token for user=%s: %v", userID, err)
			if delErr := p.authService.InvalidateUserCredentials(ctx, userID); delErr != nil {
				logging.Error("OAuthProvider", delErr, "Failed to delete rejected credentials (user=%s)", userID)
			}
		} else {
			logging.Error("OAuthProvider", err, "Upstream refresh failed (user=%s)", userID)
		}
		return false
	}

	if err := p.authService.UpdateUserCredentials(ctx, userID, *refreshed); err != nil {
		logging.Error("OAuthProvider", err, "Failed to store refreshed credentials (user=%s)", userID)
		return false
	}

	logging.Info("OAuthProvider", "Refreshed upstream credential for user=%s", userID)
	logging.Audit(logging.AuditEvent{
		Action:  "third_party_token_refresh",
		Outcome: "success",
		UserID:  userID,
	})
	return true
}

// ExchangeMCPAuthorizationCode turns an authorization code into a token
// response. The code record is read before the consuming exchange so its
// user and scope survive the atomic delete for token issuance.
func (p *Provider) ExchangeMCPAuthorizationCode(ctx context.Context, code string, client *ClientRegistration, redirectURI, verifier string) (*oauth.TokenResponse, error) {
	record, err := p.tokens.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "authorization code is invalid or expired"}
	}

	if _, err := p.tokens.ExchangeAuthorizationCode(ctx, code, client.ClientID, redirectURI, verifier); err != nil {
		return nil, err
	}

	withRefresh := client.HasGrantType("refresh_token")
	issued, err := p.tokens.GenerateAccessToken(ctx, client.ClientID, record.UserID, withRefresh, oauth.SplitScope(record.Scope))
	if err != nil {
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Action:   "token_issued",
		Outcome:  "success",
		ClientID: client.ClientID,
		UserID:   record.UserID,
		Detail:   "grant=authorization_code",
	})
	return tokenResponseFrom(issued, p.tokens.now()), nil
}

// RefreshMCPToken rotates a refresh token into a new token pair.
func (p *Provider) RefreshMCPToken(ctx context.Context, refreshToken string, client *ClientRegistration) (*oauth.TokenResponse, error) {
	issued, err := p.tokens.RefreshAccessToken(ctx, refreshToken, client.ClientID)
	if err != nil {
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Action:   "token_issued",
		Outcome:  "success",
		ClientID: client.ClientID,
		Detail:   "grant=refresh_token",
	})
	return tokenResponseFrom(issued, p.tokens.now()), nil
}

// CompleteMCPAuthorization finishes an MCP authorization whose user just
// returned from the upstream provider. It consumes the binding record for
// the upstream state, issues the MCP authorization code, and returns the
// URL the browser should be redirected to. Empty when no MCP
// authorization was waiting on this state.
func (p *Provider) CompleteMCPAuthorization(ctx context.Context, upstreamState, userID string) (string, error) {
	binding, err := p.bindings.GetMCPAuthRequest(ctx, upstreamState)
	if err != nil {
		return "", err
	}
	if binding == nil {
		return "", nil
	}

	// The user who completed the upstream flow owns the authorization.
	// The binding's user is the one the authorize endpoint resolved; keep
	// it unless the callback reports a different authenticated user.
	if userID == "" {
		userID = binding.UserID
	}

	code, err := p.tokens.GenerateAuthorizationCode(ctx, binding.MCPClientID, userID, binding.MCPRedirectURI, binding.CodeChallenge, binding.Scope)
	if err != nil {
		return "", fmt.Errorf("failed to issue authorization code after upstream callback: %w", err)
	}

	redirect, err := url.Parse(binding.MCPRedirectURI)
	if err != nil {
		return "", fmt.Errorf("stored redirect URI does not parse: %w", err)
	}
	q := redirect.Query()
	q.Set("code", code)
	if binding.MCPState != "" {
		q.Set("state", binding.MCPState)
	}
	redirect.RawQuery = q.Encode()

	logging.Info("AuthServer", "Completed MCP authorization for client=%s user=%s after upstream callback", binding.MCPClientID, userID)
	return redirect.String(), nil
}

// tokenResponseFrom renders issued tokens as the RFC 6749 response body.
func tokenResponseFrom(issued *IssuedTokens, now time.Time) *oauth.TokenResponse {
	return &oauth.TokenResponse{
		AccessToken:  issued.AccessToken,
		TokenType:    issued.TokenType,
		ExpiresIn:    int64(issued.ExpiresAt.Sub(now).Seconds()),
		RefreshToken: issued.RefreshToken,
		Scope:        oauth.JoinScope(issued.Scopes),
	}
}
