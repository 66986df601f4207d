package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/pkg/logging"
)

const (
	// DefaultHTTPTimeout bounds every request the client makes.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is how long a discovered metadata document
	// is reused before the well-known endpoint is consulted again.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// wellKnownSuffixes are the discovery documents tried in order: RFC 8414
// first, then the OpenID Connect location.
var wellKnownSuffixes = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// TokenRequestError is returned when a token endpoint rejects a request.
// Permanent rejections (4xx) carry the OAuth error code from the response
// body when one was present.
type TokenRequestError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenRequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token request failed with status %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token request failed with status %d", e.StatusCode)
}

// Permanent reports whether the rejection is definitive, meaning the same
// request will not succeed on retry. Grants rejected this way should be
// discarded rather than retried.
func (e *TokenRequestError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// metadataCache holds discovered metadata documents per issuer.
type metadataCache struct {
	mu      sync.RWMutex
	entries map[string]cachedMetadata
}

type cachedMetadata struct {
	metadata *Metadata
	staleAt  time.Time
}

func (mc *metadataCache) get(issuer string) (*Metadata, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	entry, ok := mc.entries[issuer]
	if !ok || time.Now().After(entry.staleAt) {
		return nil, false
	}
	return entry.metadata, true
}

func (mc *metadataCache) put(issuer string, metadata *Metadata, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries[issuer] = cachedMetadata{metadata: metadata, staleAt: time.Now().Add(ttl)}
}

func (mc *metadataCache) clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries = make(map[string]cachedMetadata)
}

// Client talks OAuth 2.1 to an upstream authorization server: metadata
// discovery, authorization URL construction, code exchange, and token
// refresh. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	metadataTTL time.Duration

	cache metadataCache
	group singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient substitutes the HTTP client, typically for tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetadataCacheTTL overrides how long discovered metadata is reused.
func WithMetadataCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.metadataTTL = ttl
	}
}

// NewClient creates an OAuth client with the default request timeout.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: DefaultHTTPTimeout},
		metadataTTL: DefaultMetadataCacheTTL,
		cache:       metadataCache{entries: make(map[string]cachedMetadata)},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DiscoverMetadata resolves the provider's endpoint metadata from its
// well-known documents, preferring RFC 8414 over OpenID Connect
// discovery. Results are cached per issuer and concurrent lookups for
// the same issuer share one fetch.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	if metadata, ok := c.cache.get(issuer); ok {
		return metadata, nil
	}

	result, err, _ := c.group.Do(issuer, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while this one
		// waited on the flight group.
		if metadata, ok := c.cache.get(issuer); ok {
			return metadata, nil
		}
		return c.discover(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

// discover fetches the first well-known document that answers and caches
// it under the issuer.
func (c *Client) discover(ctx context.Context, issuer string) (*Metadata, error) {
	var lastErr error
	for _, suffix := range wellKnownSuffixes {
		metadata, err := c.fetchMetadata(ctx, issuer+suffix)
		if err != nil {
			lastErr = err
			logging.Debug("OAuthClient", "Metadata fetch from %s%s failed: %v", issuer, suffix, err)
			continue
		}
		c.cache.put(issuer, metadata, c.metadataTTL)
		return metadata, nil
	}
	return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, lastErr)
}

func (c *Client) fetchMetadata(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	var metadata Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &metadata, nil
}

// ClearMetadataCache drops every cached discovery document so the next
// lookup hits the provider again.
func (c *Client) ClearMetadataCache() {
	c.cache.clear()
}

// ExchangeCode exchanges an authorization code for tokens. The client
// secret and code verifier are optional; empty values are omitted from
// the request.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, code, redirectURI, clientID, clientSecret, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	if codeVerifier != "" {
		data.Set("code_verifier", codeVerifier)
	}

	return c.tokenRequest(ctx, tokenEndpoint, data)
}

// RefreshToken obtains a new access token using a refresh token.
func (c *Client) RefreshToken(ctx context.Context, tokenEndpoint, refreshToken, clientID, clientSecret string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}

	return c.tokenRequest(ctx, tokenEndpoint, data)
}

// tokenRequest posts the form and decodes either the token or the RFC
// 6749 error body into a TokenRequestError.
func (c *Client) tokenRequest(ctx context.Context, tokenEndpoint string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := &TokenRequestError{StatusCode: resp.StatusCode}
		var oauthErr ErrorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			reqErr.Code = oauthErr.Error
			reqErr.Description = oauthErr.ErrorDescription
		}
		logging.Debug("OAuthClient", "Token request rejected with status %d (%s)", resp.StatusCode, reqErr.Code)
		return nil, reqErr
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	token.SetExpiresAtFromExpiresIn()

	return &token, nil
}

// BuildAuthorizationURL constructs the provider's authorization URL,
// preserving any query parameters already present on the endpoint.
func (c *Client) BuildAuthorizationURL(authEndpoint, clientID, redirectURI, state, scope string, pkce *PKCEChallenge) (string, error) {
	authURL, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	if scope != "" {
		query.Set("scope", scope)
	}
	if pkce != nil {
		query.Set("code_challenge", pkce.CodeChallenge)
		query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	}
	authURL.RawQuery = query.Encode()

	return authURL.String(), nil
}
