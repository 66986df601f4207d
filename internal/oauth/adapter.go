package oauth

import (
	"context"
	"fmt"

	pkgoauth "tether/pkg/oauth"
)

// ProviderAdapter is the wire side of one upstream provider. The default
// httpAdapter speaks plain OAuth 2.1; tests and nonstandard providers
// substitute their own implementation.
type ProviderAdapter interface {
	// BuildAuthURL returns the provider URL that starts a browser
	// authorization carrying the given state and optional PKCE challenge.
	BuildAuthURL(ctx context.Context, state string, pkce *pkgoauth.PKCEChallenge) (string, error)

	// ExchangeCode redeems an authorization code at the provider's token
	// endpoint. codeVerifier is empty when the flow ran without PKCE.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*pkgoauth.Token, error)

	// RefreshTokens obtains a fresh token set from a refresh token.
	RefreshTokens(ctx context.Context, refreshToken string) (*pkgoauth.Token, error)
}

// httpAdapter implements ProviderAdapter over the shared wire client.
// Explicitly configured endpoints take precedence; anything missing is
// discovered from the issuer per RFC 8414 and cached by the client.
type httpAdapter struct {
	config Config
	client *pkgoauth.Client
}

func newHTTPAdapter(cfg Config, client *pkgoauth.Client) *httpAdapter {
	return &httpAdapter{config: cfg, client: client}
}

// endpoints resolves the authorization and token endpoint URLs.
func (a *httpAdapter) endpoints(ctx context.Context) (string, string, error) {
	authEndpoint := a.config.AuthorizationEndpoint
	tokenEndpoint := a.config.TokenEndpoint
	if authEndpoint != "" && tokenEndpoint != "" {
		return authEndpoint, tokenEndpoint, nil
	}

	metadata, err := a.client.DiscoverMetadata(ctx, a.config.Issuer)
	if err != nil {
		return "", "", fmt.Errorf("failed to discover provider endpoints: %w", err)
	}
	if authEndpoint == "" {
		authEndpoint = metadata.AuthorizationEndpoint
	}
	if tokenEndpoint == "" {
		tokenEndpoint = metadata.TokenEndpoint
	}
	if authEndpoint == "" || tokenEndpoint == "" {
		return "", "", fmt.Errorf("provider metadata for %s is missing endpoint URLs", a.config.Issuer)
	}
	return authEndpoint, tokenEndpoint, nil
}

func (a *httpAdapter) BuildAuthURL(ctx context.Context, state string, pkce *pkgoauth.PKCEChallenge) (string, error) {
	authEndpoint, _, err := a.endpoints(ctx)
	if err != nil {
		return "", err
	}
	return a.client.BuildAuthorizationURL(authEndpoint, a.config.ClientID, a.config.RedirectURL,
		state, pkgoauth.JoinScope(a.config.Scopes), pkce)
}

func (a *httpAdapter) ExchangeCode(ctx context.Context, code, codeVerifier string) (*pkgoauth.Token, error) {
	_, tokenEndpoint, err := a.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	return a.client.ExchangeCode(ctx, tokenEndpoint, code, a.config.RedirectURL,
		a.config.ClientID, a.config.ClientSecret, codeVerifier)
}

func (a *httpAdapter) RefreshTokens(ctx context.Context, refreshToken string) (*pkgoauth.Token, error) {
	_, tokenEndpoint, err := a.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	return a.client.RefreshToken(ctx, tokenEndpoint, refreshToken, a.config.ClientID, a.config.ClientSecret)
}
