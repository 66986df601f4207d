package oauth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/credstore"
	"tether/internal/kvstore"
	pkgoauth "tether/pkg/oauth"
)

type fakeAdapter struct {
	authURL     string
	token       *pkgoauth.Token
	refreshed   *pkgoauth.Token
	exchangeErr error
	refreshErr  error

	mu           sync.Mutex
	builds       int
	exchanges    int
	refreshes    int
	lastState    string
	lastPKCE     *pkgoauth.PKCEChallenge
	lastCode     string
	lastVerifier string
	lastRefresh  string
}

func (f *fakeAdapter) BuildAuthURL(_ context.Context, state string, pkce *pkgoauth.PKCEChallenge) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.lastState = state
	f.lastPKCE = pkce
	return f.authURL + "?state=" + state, nil
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code, codeVerifier string) (*pkgoauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges++
	f.lastCode = code
	f.lastVerifier = codeVerifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeAdapter) RefreshTokens(_ context.Context, refreshToken string) (*pkgoauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.lastRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeAdapter) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestStores(t *testing.T) (*kvstore.Store, *credstore.Store) {
	t.Helper()
	kv, err := kvstore.Open(context.Background(), filepath.Join(t.TempDir(), "tether.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	key, err := credstore.GenerateKey()
	require.NoError(t, err)
	encryptor, err := credstore.NewEncryptor(key)
	require.NoError(t, err)
	return kv, credstore.New(kv, encryptor, 0)
}

func testConfig() Config {
	return Config{
		ProviderID:   "github",
		Issuer:       "https://idp.example.com",
		ClientID:     "tether-client",
		ClientSecret: "shhh",
		RedirectURL:  "https://tether.example.com/oauth/callback",
		Scopes:       []string{"openid", "profile"},
		UsePKCE:      true,
	}
}

func newTestConsumer(t *testing.T, adapter ProviderAdapter) (*Consumer, *credstore.Store) {
	t.Helper()
	kv, creds := newTestStores(t)
	consumer, err := NewConsumer(testConfig(), creds, kv, WithAdapter(adapter))
	require.NoError(t, err)
	return consumer, creds
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing provider id", func(c *Config) { c.ProviderID = "" }},
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"missing redirect URL", func(c *Config) { c.RedirectURL = "" }},
		{"no issuer and no endpoints", func(c *Config) { c.Issuer = "" }},
		{"public client without PKCE", func(c *Config) { c.ClientSecret = ""; c.UsePKCE = false }},
	}

	kv, creds := newTestStores(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := NewConsumer(cfg, creds, kv)
			require.Error(t, err)
		})
	}

	t.Run("static endpoints replace issuer", func(t *testing.T) {
		cfg := testConfig()
		cfg.Issuer = ""
		cfg.AuthorizationEndpoint = "https://idp.example.com/authorize"
		cfg.TokenEndpoint = "https://idp.example.com/token"
		_, err := NewConsumer(cfg, creds, kv)
		require.NoError(t, err)
	})
}

func TestStartAuthorizationFlow(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize"}
	consumer, _ := newTestConsumer(t, adapter)
	ctx := context.Background()

	authURL, state, err := consumer.StartAuthorizationFlow(ctx, "u1")
	require.NoError(t, err)

	assert.Len(t, state, 32)
	assert.Equal(t, "https://idp.example.com/authorize?state="+state, authURL)
	require.NotNil(t, adapter.lastPKCE, "PKCE challenge expected for UsePKCE config")
	assert.Equal(t, "S256", adapter.lastPKCE.CodeChallengeMethod)

	record, err := consumer.flows.consume(ctx, state)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, adapter.lastPKCE.CodeVerifier, record.CodeVerifier)
	assert.False(t, record.ExpiresAt.IsZero())
}

func TestStartAuthorizationFlow_WithoutPKCE(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize"}
	kv, creds := newTestStores(t)
	cfg := testConfig()
	cfg.UsePKCE = false
	consumer, err := NewConsumer(cfg, creds, kv, WithAdapter(adapter))
	require.NoError(t, err)

	_, state, err := consumer.StartAuthorizationFlow(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, adapter.lastPKCE)

	record, err := consumer.flows.consume(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Empty(t, record.CodeVerifier)
}

func TestStartAuthorizationFlow_EmptyUser(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	_, _, err := consumer.StartAuthorizationFlow(context.Background(), "")
	require.Error(t, err)
}

func TestHandleAuthorizationCallback(t *testing.T) {
	adapter := &fakeAdapter{
		authURL: "https://idp.example.com/authorize",
		token: &pkgoauth.Token{
			AccessToken:  "upstream-access",
			RefreshToken: "upstream-refresh",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
			Scope:        "openid profile",
		},
	}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	_, state, err := consumer.StartAuthorizationFlow(ctx, "u1")
	require.NoError(t, err)

	userID, err := consumer.HandleAuthorizationCallback(ctx, "code-1", state)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "code-1", adapter.lastCode)
	assert.NotEmpty(t, adapter.lastVerifier, "stored PKCE verifier must reach the exchange")

	stored, err := creds.GetCredentials(ctx, "github", "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "upstream-access", stored.AccessToken)
	assert.Equal(t, "upstream-refresh", stored.RefreshToken)
	assert.Equal(t, []string{"openid", "profile"}, stored.Scopes)

	// States are one-time.
	_, err = consumer.HandleAuthorizationCallback(ctx, "code-1", state)
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestHandleAuthorizationCallback_UnknownState(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	_, err := consumer.HandleAuthorizationCallback(context.Background(), "code-1", "no-such-state")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestHandleAuthorizationCallback_ExchangeFailure(t *testing.T) {
	adapter := &fakeAdapter{
		authURL:     "https://idp.example.com/authorize",
		exchangeErr: &pkgoauth.TokenRequestError{StatusCode: 400, Code: "invalid_grant"},
	}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	_, state, err := consumer.StartAuthorizationFlow(ctx, "u1")
	require.NoError(t, err)

	_, err = consumer.HandleAuthorizationCallback(ctx, "bad-code", state)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownState)

	stored, err := creds.GetCredentials(ctx, "github", "u1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestGetValidAccessToken_ReturnsLiveCredential(t *testing.T) {
	adapter := &fakeAdapter{}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken: "live-token",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	got, err := consumer.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "live-token", got.AccessToken)
	assert.Zero(t, adapter.refreshCount())
}

func TestGetValidAccessToken_NoCredential(t *testing.T) {
	adapter := &fakeAdapter{}
	consumer, _ := newTestConsumer(t, adapter)

	got, err := consumer.GetValidAccessToken(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, adapter.refreshCount())
}

func TestGetValidAccessToken_RefreshesExpiring(t *testing.T) {
	adapter := &fakeAdapter{
		refreshed: &pkgoauth.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	// Inside the refresh buffer, so reads treat it as absent.
	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	got, err := consumer.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fresh-access", got.AccessToken)
	assert.Equal(t, "stale-refresh", adapter.lastRefresh)

	stored, err := creds.GetCredentials(ctx, "github", "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, "fresh-refresh", stored.RefreshToken)
}

func TestGetValidAccessToken_PermanentRejectionDropsRow(t *testing.T) {
	adapter := &fakeAdapter{
		refreshErr: &pkgoauth.TokenRequestError{StatusCode: 400, Code: "invalid_grant"},
	}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken:  "stale-access",
		RefreshToken: "dead-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	got, err := consumer.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := creds.GetCredentialsForRefresh(ctx, "github", "u1")
	require.NoError(t, err)
	assert.Nil(t, stored, "rejected credential row must be deleted")
}

func TestGetValidAccessToken_TransientFailureKeepsRow(t *testing.T) {
	adapter := &fakeAdapter{refreshErr: errors.New("connection reset")}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken:  "stale-access",
		RefreshToken: "still-good-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	_, err := consumer.GetValidAccessToken(ctx, "u1")
	require.Error(t, err)

	stored, err := creds.GetCredentialsForRefresh(ctx, "github", "u1")
	require.NoError(t, err)
	require.NotNil(t, stored, "transient failures must not drop the credential")
	assert.Equal(t, "still-good-refresh", stored.RefreshToken)
}

func TestGetValidAccessToken_UnrefreshableDropsRow(t *testing.T) {
	adapter := &fakeAdapter{}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken: "stale-access",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}))

	got, err := consumer.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, adapter.refreshCount())

	stored, err := creds.GetCredentialsForRefresh(ctx, "github", "u1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestGetValidAccessToken_CoalescesConcurrentRefreshes(t *testing.T) {
	adapter := &fakeAdapter{
		refreshed: &pkgoauth.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	require.NoError(t, creds.StoreCredentials(ctx, "github", "u1", credstore.Credentials{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	var wg sync.WaitGroup
	results := make([]*credstore.Credentials, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = consumer.GetValidAccessToken(ctx, "u1")
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, got)
		assert.Equal(t, "fresh-access", got.AccessToken)
	}
	assert.Equal(t, 1, adapter.refreshCount(), "concurrent callers must share one refresh")
}

func TestRefreshAccessToken_PreservesRefreshToken(t *testing.T) {
	adapter := &fakeAdapter{
		refreshed: &pkgoauth.Token{
			AccessToken: "fresh-access",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	consumer, _ := newTestConsumer(t, adapter)

	got, err := consumer.RefreshAccessToken(context.Background(), "keep-me")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
}

func TestAuthServiceSurface(t *testing.T) {
	adapter := &fakeAdapter{}
	consumer, creds := newTestConsumer(t, adapter)
	ctx := context.Background()

	assert.False(t, consumer.IsUserAuthenticated(ctx, "u1"))

	require.NoError(t, consumer.UpdateUserCredentials(ctx, "u1", credstore.Credentials{
		AccessToken:  "live-token",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	assert.True(t, consumer.IsUserAuthenticated(ctx, "u1"))

	forRefresh, err := consumer.GetCredentialsForRefresh(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, forRefresh)
	assert.Equal(t, "rt", forRefresh.RefreshToken)

	require.NoError(t, consumer.InvalidateUserCredentials(ctx, "u1"))
	assert.False(t, consumer.IsUserAuthenticated(ctx, "u1"))

	stored, err := creds.GetCredentialsForRefresh(ctx, "github", "u1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}
