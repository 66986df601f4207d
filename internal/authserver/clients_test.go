package authserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/pkg/oauth"
)

func TestRegisterClient_ConfidentialDefaults(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})

	resp, err := registry.RegisterClient(context.Background(), oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "example",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ClientID)
	assert.Len(t, resp.ClientSecret, 64)
	assert.Equal(t, "client_secret_basic", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, []string{"S256"}, resp.CodeChallengeMethodsSupported)
	assert.Zero(t, resp.ClientSecretExpiresAt)
}

func TestRegisterClient_PublicGetsNoSecret(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})

	resp, err := registry.RegisterClient(context.Background(), oauth.ClientRegistrationRequest{
		RedirectURIs:            []string{"http://localhost:3503/callback"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)

	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)

	registration, err := registry.GetClient(context.Background(), resp.ClientID)
	require.NoError(t, err)
	require.NotNil(t, registration)
	assert.True(t, registration.IsPublic())
	assert.Empty(t, registration.ClientSecret)
}

func TestRegisterClient_RejectsBadMetadata(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  oauth.ClientRegistrationRequest
		code string
	}{
		{
			name: "no redirect URIs",
			req:  oauth.ClientRegistrationRequest{},
			code: "invalid_redirect_uri",
		},
		{
			name: "relative redirect URI",
			req:  oauth.ClientRegistrationRequest{RedirectURIs: []string{"/callback"}},
			code: "invalid_redirect_uri",
		},
		{
			name: "redirect URI with fragment",
			req:  oauth.ClientRegistrationRequest{RedirectURIs: []string{"https://app.example.com/cb#frag"}},
			code: "invalid_redirect_uri",
		},
		{
			name: "unsupported auth method",
			req: oauth.ClientRegistrationRequest{
				RedirectURIs:            []string{"https://app.example.com/cb"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			code: "invalid_client_metadata",
		},
		{
			name: "unsupported grant type",
			req: oauth.ClientRegistrationRequest{
				RedirectURIs: []string{"https://app.example.com/cb"},
				GrantTypes:   []string{"client_credentials"},
			},
			code: "invalid_client_metadata",
		},
		{
			name: "unsupported response type",
			req: oauth.ClientRegistrationRequest{
				RedirectURIs:  []string{"https://app.example.com/cb"},
				ResponseTypes: []string{"token"},
			},
			code: "invalid_client_metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.RegisterClient(ctx, tt.req)
			requireOAuthError(t, err, tt.code)
		})
	}
}

func TestRegisterClient_HTTPSPolicy(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{RequireHTTPS: true})
	ctx := context.Background()

	// Loopback http is always acceptable for native clients.
	_, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback", "http://127.0.0.1:9999/cb"},
	})
	require.NoError(t, err)

	_, err = registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"http://app.example.com/callback"},
	})
	requireOAuthError(t, err, "invalid_redirect_uri")
}

func TestRegisterClient_AllowedHostsList(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{
		AllowedRedirectHosts: []string{"app.example.com"},
	})
	ctx := context.Background()

	_, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)

	// The allow-list is literal: even loopback is refused when absent.
	_, err = registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
	})
	requireOAuthError(t, err, "invalid_redirect_uri")

	registry.UpdateAllowedRedirectHosts([]string{"app.example.com", "localhost"})
	_, err = registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
	})
	require.NoError(t, err)
}

func TestValidateClient(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})
	ctx := context.Background()

	resp, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost:3503/callback"},
	})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		v := registry.ValidateClient(ctx, resp.ClientID, "http://localhost:3503/callback")
		assert.True(t, v.Valid)
		require.NotNil(t, v.Client)
		assert.Equal(t, resp.ClientID, v.Client.ClientID)
	})

	t.Run("unknown client", func(t *testing.T) {
		v := registry.ValidateClient(ctx, "nope", "")
		assert.False(t, v.Valid)
		assert.Equal(t, oauth.ErrorInvalidClient, v.ErrorCode)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		v := registry.ValidateClient(ctx, resp.ClientID, "http://evil.example/cb")
		assert.False(t, v.Valid)
		assert.Equal(t, oauth.ErrorInvalidRequest, v.ErrorCode)
		assert.NotNil(t, v.Client)
	})

	t.Run("revoked client", func(t *testing.T) {
		require.NoError(t, registry.RevokeClient(ctx, resp.ClientID))
		v := registry.ValidateClient(ctx, resp.ClientID, "http://localhost:3503/callback")
		assert.False(t, v.Valid)
		assert.Equal(t, oauth.ErrorInvalidClient, v.ErrorCode)
	})
}

func TestAuthenticateClient(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})
	ctx := context.Background()

	confidential, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
	})
	require.NoError(t, err)
	public, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs:            []string{"http://localhost:3503/callback"},
		TokenEndpointAuthMethod: "none",
	})
	require.NoError(t, err)

	t.Run("confidential with correct secret", func(t *testing.T) {
		client, err := registry.AuthenticateClient(ctx, confidential.ClientID, confidential.ClientSecret)
		require.NoError(t, err)
		assert.Equal(t, confidential.ClientID, client.ClientID)
	})

	t.Run("confidential with wrong secret", func(t *testing.T) {
		_, err := registry.AuthenticateClient(ctx, confidential.ClientID, "wrong")
		requireOAuthError(t, err, oauth.ErrorInvalidClient)
	})

	t.Run("public authenticates by id alone", func(t *testing.T) {
		client, err := registry.AuthenticateClient(ctx, public.ClientID, "")
		require.NoError(t, err)
		assert.True(t, client.IsPublic())
	})

	t.Run("public must not present a secret", func(t *testing.T) {
		_, err := registry.AuthenticateClient(ctx, public.ClientID, "some-secret")
		requireOAuthError(t, err, oauth.ErrorInvalidClient)
	})

	t.Run("unknown client", func(t *testing.T) {
		_, err := registry.AuthenticateClient(ctx, "nope", "secret")
		requireOAuthError(t, err, oauth.ErrorInvalidClient)
	})
}

func TestListClients(t *testing.T) {
	kv := newTestKV(t)
	registry := NewClientRegistry(kv, ClientRegistryConfig{})
	ctx := context.Background()

	empty, err := registry.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	first, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "first",
	})
	require.NoError(t, err)
	second, err := registry.RegisterClient(ctx, oauth.ClientRegistrationRequest{
		RedirectURIs: []string{"https://other.example.com/callback"},
		ClientName:   "second",
	})
	require.NoError(t, err)
	require.NoError(t, registry.RevokeClient(ctx, second.ClientID))

	clients, err := registry.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2, "revoked registrations stay listed")

	byID := make(map[string]*ClientRegistration, len(clients))
	for _, c := range clients {
		byID[c.ClientID] = c
	}
	require.Contains(t, byID, first.ClientID)
	require.Contains(t, byID, second.ClientID)
	assert.Equal(t, "first", byID[first.ClientID].ClientName)
	assert.False(t, byID[first.ClientID].Revoked)
	assert.True(t, byID[second.ClientID].Revoked)
}
