package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/internal/credstore"
	"tether/internal/kvstore"
	"tether/pkg/logging"
	pkgoauth "tether/pkg/oauth"
)

// DefaultFlowTTL bounds how long a started authorization flow may wait for
// the user to return from the provider.
const DefaultFlowTTL = 10 * time.Minute

// flowStateBytes is the number of random bytes in a flow state parameter.
// 24 bytes encode to exactly 32 base64url characters.
const flowStateBytes = 24

// ErrUnknownState is returned when a callback carries a state that is
// unknown, expired, or already consumed.
var ErrUnknownState = errors.New("unknown or expired authorization state")

// Config describes one upstream OAuth provider.
type Config struct {
	// ProviderID keys stored credentials and refresh coalescing.
	ProviderID string

	// Issuer is the provider's issuer URL, used for RFC 8414 metadata
	// discovery when the endpoints are not set explicitly.
	Issuer string

	ClientID     string
	ClientSecret string

	// RedirectURL is this server's callback URL as registered at the
	// provider.
	RedirectURL string

	// Scopes requested in authorization flows.
	Scopes []string

	// UsePKCE adds an S256 challenge to authorization requests. Required
	// when ClientSecret is empty.
	UsePKCE bool

	// AuthorizationEndpoint and TokenEndpoint override metadata discovery.
	// When only one is set, the other is still discovered from the issuer.
	AuthorizationEndpoint string
	TokenEndpoint         string
}

func (c Config) validate() error {
	if c.ProviderID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if c.Issuer == "" && (c.AuthorizationEndpoint == "" || c.TokenEndpoint == "") {
		return fmt.Errorf("either issuer or both endpoint URLs are required")
	}
	if c.ClientSecret == "" && !c.UsePKCE {
		return fmt.Errorf("public provider clients must use PKCE")
	}
	return nil
}

// Consumer drives the client side of the upstream provider: it starts
// browser flows, completes callbacks, and keeps stored credentials fresh.
// It also backs the authorization server's session-binding checks, which
// consult the same credential rows through the methods below.
type Consumer struct {
	config  Config
	adapter ProviderAdapter
	creds   *credstore.Store
	flows   *flowStore
	flowTTL time.Duration

	// refreshGroup coalesces concurrent refreshes per provider|user so a
	// single-use upstream refresh token is never presented twice.
	refreshGroup singleflight.Group

	now func() time.Time
}

// Option configures a Consumer beyond its Config.
type Option func(*Consumer)

// WithAdapter replaces the default HTTP adapter. Intended for tests and
// providers that deviate from plain OAuth 2.1.
func WithAdapter(adapter ProviderAdapter) Option {
	return func(c *Consumer) {
		c.adapter = adapter
	}
}

// WithFlowTTL overrides the pending-flow lifetime.
func WithFlowTTL(ttl time.Duration) Option {
	return func(c *Consumer) {
		c.flowTTL = ttl
	}
}

// WithWireClient supplies a preconfigured wire client for the default
// adapter, for custom HTTP transports or timeouts.
func WithWireClient(client *pkgoauth.Client) Option {
	return func(c *Consumer) {
		if c.adapter == nil {
			c.adapter = newHTTPAdapter(c.config, client)
		}
	}
}

// NewConsumer creates a consumer for one provider. Credentials are stored
// through creds; pending flows live in kv.
func NewConsumer(cfg Config, creds *credstore.Store, kv *kvstore.Store, opts ...Option) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	c := &Consumer{
		config:  cfg,
		creds:   creds,
		flowTTL: DefaultFlowTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.adapter == nil {
		c.adapter = newHTTPAdapter(cfg, pkgoauth.NewClient())
	}
	c.flows = newFlowStore(kv, c.flowTTL)

	return c, nil
}

// ProviderID returns the identifier stored credentials are keyed by.
func (c *Consumer) ProviderID() string {
	return c.config.ProviderID
}

// newFlowState generates the state parameter for one authorization flow.
func newFlowState() (string, error) {
	buf := make([]byte, flowStateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StartAuthorizationFlow begins a browser authorization for the user and
// returns the provider URL to send the user to, together with the state
// parameter that will identify the callback.
func (c *Consumer) StartAuthorizationFlow(ctx context.Context, userID string) (string, string, error) {
	if userID == "" {
		return "", "", fmt.Errorf("user id must not be empty")
	}

	state, err := newFlowState()
	if err != nil {
		return "", "", err
	}

	record := flowRecord{UserID: userID}
	var pkce *pkgoauth.PKCEChallenge
	if c.config.UsePKCE {
		pkce, err = pkgoauth.GeneratePKCE()
		if err != nil {
			return "", "", fmt.Errorf("failed to generate PKCE challenge: %w", err)
		}
		record.CodeVerifier = pkce.CodeVerifier
	}

	// Build the URL before persisting the flow so endpoint discovery
	// failures leave no dangling state behind.
	authURL, err := c.adapter.BuildAuthURL(ctx, state, pkce)
	if err != nil {
		return "", "", fmt.Errorf("failed to build authorization URL: %w", err)
	}

	if err := c.flows.store(ctx, state, record); err != nil {
		return "", "", err
	}

	logging.Debug("OAuth", "Started authorization flow for user=%s provider=%s",
		logging.TruncateSessionID(userID), c.config.ProviderID)
	return authURL, state, nil
}

// HandleAuthorizationCallback completes the flow identified by state: it
// consumes the pending flow record, exchanges the code at the provider,
// and stores the resulting credentials. Returns the user the flow belongs
// to. Unknown, expired, and replayed states yield ErrUnknownState.
func (c *Consumer) HandleAuthorizationCallback(ctx context.Context, code, state string) (string, error) {
	if code == "" || state == "" {
		return "", fmt.Errorf("code and state must not be empty")
	}

	record, err := c.flows.consume(ctx, state)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", ErrUnknownState
	}

	token, err := c.adapter.ExchangeCode(ctx, code, record.CodeVerifier)
	if err != nil {
		logging.Error("OAuth", err, "Code exchange failed for user=%s provider=%s",
			logging.TruncateSessionID(record.UserID), c.config.ProviderID)
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := c.creds.StoreCredentials(ctx, c.config.ProviderID, record.UserID, credentialsFromToken(token)); err != nil {
		return "", err
	}

	logging.Info("OAuth", "Completed authorization for user=%s provider=%s",
		logging.TruncateSessionID(record.UserID), c.config.ProviderID)
	logging.Audit(logging.AuditEvent{
		Action:  "upstream_authorization_completed",
		Outcome: "success",
		UserID:  record.UserID,
		Detail:  "provider=" + c.config.ProviderID,
	})
	return record.UserID, nil
}

// GetValidAccessToken returns live credentials for the user, refreshing
// them at the provider when the stored ones sit inside the refresh buffer.
// Returns nil without error when the user has no usable credential; a new
// browser flow is the only way forward then.
//
// Concurrent calls for the same user share one refresh.
func (c *Consumer) GetValidAccessToken(ctx context.Context, userID string) (*credstore.Credentials, error) {
	live, err := c.creds.GetCredentials(ctx, c.config.ProviderID, userID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return live, nil
	}

	v, err, _ := c.refreshGroup.Do(c.config.ProviderID+"|"+userID, func() (interface{}, error) {
		return c.refreshStored(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	creds, _ := v.(*credstore.Credentials)
	return creds, nil
}

// refreshStored runs inside the singleflight group. It re-checks the
// store first: a queued caller may arrive after the winner already wrote
// fresh credentials.
func (c *Consumer) refreshStored(ctx context.Context, userID string) (*credstore.Credentials, error) {
	if live, err := c.creds.GetCredentials(ctx, c.config.ProviderID, userID); err == nil && live != nil {
		return live, nil
	}

	stored, err := c.creds.GetCredentialsForRefresh(ctx, c.config.ProviderID, userID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	if stored.RefreshToken == "" {
		// Expired and unrefreshable. Drop the row so cleanup and
		// authentication checks agree.
		if err := c.creds.DeleteCredentials(ctx, c.config.ProviderID, userID); err != nil {
			logging.Warn("OAuth", "Failed to drop unrefreshable credentials for user=%s: %v",
				logging.TruncateSessionID(userID), err)
		}
		return nil, nil
	}

	refreshed, err := c.RefreshAccessToken(ctx, stored.RefreshToken)
	if err != nil {
		var reqErr *pkgoauth.TokenRequestError
		if errors.As(err, &reqErr) && reqErr.Permanent() {
			logging.Warn("OAuth", "Provider rejected refresh token for user=%s (%s), dropping credentials",
				logging.TruncateSessionID(userID), reqErr.Code)
			if delErr := c.creds.DeleteCredentials(ctx, c.config.ProviderID, userID); delErr != nil {
				logging.Warn("OAuth", "Failed to drop rejected credentials for user=%s: %v",
					logging.TruncateSessionID(userID), delErr)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to refresh upstream token: %w", err)
	}

	if err := c.creds.StoreCredentials(ctx, c.config.ProviderID, userID, *refreshed); err != nil {
		return nil, err
	}

	logging.Info("OAuth", "Refreshed upstream credentials for user=%s provider=%s",
		logging.TruncateSessionID(userID), c.config.ProviderID)
	return refreshed, nil
}

// RefreshAccessToken exchanges a refresh token for fresh credentials at
// the provider. Providers that do not rotate refresh tokens omit the field
// from the response; the presented token is carried over in that case.
//
// The result is not stored. Callers that want persistence use
// GetValidAccessToken or UpdateUserCredentials.
func (c *Consumer) RefreshAccessToken(ctx context.Context, refreshToken string) (*credstore.Credentials, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token must not be empty")
	}

	token, err := c.adapter.RefreshTokens(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	creds := credentialsFromToken(token)
	return &creds, nil
}

// IsUserAuthenticated reports whether the user holds stored credentials
// outside the refresh buffer. It never refreshes; callers that want a
// refresh attempt use GetValidAccessToken.
func (c *Consumer) IsUserAuthenticated(ctx context.Context, userID string) bool {
	creds, err := c.creds.GetCredentials(ctx, c.config.ProviderID, userID)
	return err == nil && creds != nil
}

// GetCredentialsForRefresh returns the stored credentials even when they
// are expired, so their refresh token stays reachable. Nil when none are
// stored.
func (c *Consumer) GetCredentialsForRefresh(ctx context.Context, userID string) (*credstore.Credentials, error) {
	return c.creds.GetCredentialsForRefresh(ctx, c.config.ProviderID, userID)
}

// UpdateUserCredentials stores refreshed credentials for the user.
func (c *Consumer) UpdateUserCredentials(ctx context.Context, userID string, creds credstore.Credentials) error {
	return c.creds.StoreCredentials(ctx, c.config.ProviderID, userID, creds)
}

// InvalidateUserCredentials removes the stored credentials after the
// provider definitively rejected them.
func (c *Consumer) InvalidateUserCredentials(ctx context.Context, userID string) error {
	return c.creds.DeleteCredentials(ctx, c.config.ProviderID, userID)
}

// credentialsFromToken converts a wire token into the stored credential
// shape. A zero expiry means the provider did not report one.
func credentialsFromToken(token *pkgoauth.Token) credstore.Credentials {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return credstore.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    token.ExpiresAt,
		Scopes:       token.Scopes(),
	}
}
