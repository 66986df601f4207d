package authserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/internal/kvstore"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// clientSecretBytes is the random length of issued client secrets,
// hex-encoded to 64 characters.
const clientSecretBytes = 32

func clientKey(clientID string) kvstore.Key {
	return kvstore.Key{"oauth_clients", "registrations", clientID}
}

// ClientRegistryConfig carries the redirect URI policy.
type ClientRegistryConfig struct {
	// RequireHTTPS restricts http:// redirect URIs to loopback hosts.
	// Disable only for local development.
	RequireHTTPS bool

	// AllowedRedirectHosts, when non-empty, is the closed set of hosts
	// redirect URIs may use. Hot-reloadable via UpdateAllowedRedirectHosts.
	AllowedRedirectHosts []string
}

// ClientRegistry implements RFC 7591 dynamic client registration on top
// of the KV store. Registrations are immutable except for the
// soft-revocation flag.
type ClientRegistry struct {
	kv *kvstore.Store

	requireHTTPS bool

	mu           sync.RWMutex
	allowedHosts map[string]struct{}

	now func() time.Time
}

// NewClientRegistry creates a client registry on top of the KV store.
func NewClientRegistry(kv *kvstore.Store, cfg ClientRegistryConfig) *ClientRegistry {
	r := &ClientRegistry{
		kv:           kv,
		requireHTTPS: cfg.RequireHTTPS,
		allowedHosts: make(map[string]struct{}),
		now:          time.Now,
	}
	r.UpdateAllowedRedirectHosts(cfg.AllowedRedirectHosts)
	return r
}

// UpdateAllowedRedirectHosts replaces the redirect host allow-list. An
// empty list disables allow-list checking. Safe to call while serving.
func (r *ClientRegistry) UpdateAllowedRedirectHosts(hosts []string) {
	next := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			next[h] = struct{}{}
		}
	}
	r.mu.Lock()
	r.allowedHosts = next
	r.mu.Unlock()
}

// RegisterClient validates the registration request, assigns credentials,
// and persists the record. Clients that declare
// token_endpoint_auth_method "none" are registered as public clients and
// receive no secret; they must use PKCE at the authorization endpoint.
func (r *ClientRegistry) RegisterClient(ctx context.Context, req oauth.ClientRegistrationRequest) (*oauth.ClientRegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, &OAuthError{Code: "invalid_redirect_uri", Description: "at least one redirect_uri is required"}
	}
	for _, uri := range req.RedirectURIs {
		if err := r.validateRedirectURI(uri); err != nil {
			return nil, &OAuthError{Code: "invalid_redirect_uri", Description: err.Error()}
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	switch authMethod {
	case "":
		authMethod = "client_secret_basic"
	case "none", "client_secret_basic", "client_secret_post":
	default:
		return nil, &OAuthError{Code: "invalid_client_metadata", Description: fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod)}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, g := range grantTypes {
		if g != "authorization_code" && g != "refresh_token" {
			return nil, &OAuthError{Code: "invalid_client_metadata", Description: fmt.Sprintf("unsupported grant_type %q", g)}
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, &OAuthError{Code: "invalid_client_metadata", Description: fmt.Sprintf("unsupported response_type %q", rt)}
		}
	}

	now := r.now()
	registration := ClientRegistration{
		ClientID:                uuid.New().String(),
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
		CodeChallengeMethods:    []string{"S256"},
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if authMethod != "none" {
		secret := make([]byte, clientSecretBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate client secret: %w", err)
		}
		registration.ClientSecret = hex.EncodeToString(secret)
	}

	value, err := json.Marshal(registration)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client registration: %w", err)
	}

	// A UUID collision is not a practical concern, but the guard keeps
	// registration from ever clobbering an existing record.
	err = r.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectAbsent(clientKey(registration.ClientID)),
		kvstore.OpSet(clientKey(registration.ClientID), value),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store client registration: %w", err)
	}

	logging.Info("AuthServer", "Registered client %s (%s, auth=%s, %d redirect URIs)",
		registration.ClientID, registration.ClientName, authMethod, len(registration.RedirectURIs))
	logging.Audit(logging.AuditEvent{
		Action:   "client_registered",
		Outcome:  "success",
		ClientID: registration.ClientID,
		Detail:   fmt.Sprintf("auth_method=%s", authMethod),
	})

	return &oauth.ClientRegistrationResponse{
		ClientID:                      registration.ClientID,
		ClientSecret:                  registration.ClientSecret,
		ClientIDIssuedAt:              now.Unix(),
		ClientSecretExpiresAt:         0,
		RedirectURIs:                  registration.RedirectURIs,
		TokenEndpointAuthMethod:       registration.TokenEndpointAuthMethod,
		GrantTypes:                    registration.GrantTypes,
		ResponseTypes:                 registration.ResponseTypes,
		ClientName:                    registration.ClientName,
		Scope:                         registration.Scope,
		CodeChallengeMethodsSupported: registration.CodeChallengeMethods,
	}, nil
}

// GetClient reads a registration. Returns nil when the client id is
// unknown.
func (r *ClientRegistry) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	if clientID == "" {
		return nil, nil
	}
	value, found, err := r.kv.Get(ctx, clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to read client registration: %w", err)
	}
	if !found {
		return nil, nil
	}

	var registration ClientRegistration
	if err := json.Unmarshal(value, &registration); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client registration: %w", err)
	}
	return &registration, nil
}

// ValidateClient checks that a client exists, is not revoked, and (when a
// redirect URI is supplied) that the URI is registered. The result says
// which check failed so the authorization endpoint can follow its
// redirect-or-reject rules.
func (r *ClientRegistry) ValidateClient(ctx context.Context, clientID, redirectURI string) ClientValidation {
	registration, err := r.GetClient(ctx, clientID)
	if err != nil {
		logging.Error("AuthServer", err, "Client lookup failed")
		return ClientValidation{Error: "client registry unavailable", ErrorCode: oauth.ErrorServerError}
	}
	if registration == nil {
		return ClientValidation{Error: "unknown client", ErrorCode: oauth.ErrorInvalidClient}
	}
	if registration.Revoked {
		return ClientValidation{Error: "client registration has been revoked", ErrorCode: oauth.ErrorInvalidClient}
	}
	if redirectURI != "" && !registration.HasRedirectURI(redirectURI) {
		return ClientValidation{
			Client:    registration,
			Error:     "redirect_uri is not registered for this client",
			ErrorCode: oauth.ErrorInvalidRequest,
		}
	}
	return ClientValidation{Valid: true, Client: registration}
}

// AuthenticateClient verifies client credentials for the token endpoint.
// Public clients authenticate by id alone and must not present a secret;
// confidential clients must present their secret, compared in constant
// time.
func (r *ClientRegistry) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*ClientRegistration, error) {
	registration, err := r.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if registration == nil || registration.Revoked {
		return nil, &OAuthError{Code: oauth.ErrorInvalidClient, Description: "client authentication failed"}
	}

	if registration.IsPublic() {
		if clientSecret != "" {
			return nil, &OAuthError{Code: oauth.ErrorInvalidClient, Description: "public client must not present a secret"}
		}
		return registration, nil
	}

	if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(registration.ClientSecret)) != 1 {
		logging.Audit(logging.AuditEvent{
			Action:   "client_authentication",
			Outcome:  "failure",
			ClientID: clientID,
		})
		return nil, &OAuthError{Code: oauth.ErrorInvalidClient, Description: "client authentication failed"}
	}
	return registration, nil
}

// IsRevoked reports the revocation flag for a client. Unknown clients
// read as revoked.
func (r *ClientRegistry) IsRevoked(ctx context.Context, clientID string) (bool, error) {
	registration, err := r.GetClient(ctx, clientID)
	if err != nil {
		return false, err
	}
	if registration == nil {
		return true, nil
	}
	return registration.Revoked, nil
}

// RevokeClient flips the soft-revocation flag. Tokens issued to the
// client fail validation from that point on.
func (r *ClientRegistry) RevokeClient(ctx context.Context, clientID string) error {
	registration, err := r.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if registration == nil {
		return fmt.Errorf("client %s not found", clientID)
	}
	if registration.Revoked {
		return nil
	}

	now := r.now()
	registration.Revoked = true
	registration.RevokedAt = now
	registration.UpdatedAt = now

	value, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("failed to marshal client registration: %w", err)
	}
	if err := r.kv.Set(ctx, clientKey(clientID), value); err != nil {
		return fmt.Errorf("failed to store client revocation: %w", err)
	}

	logging.Info("AuthServer", "Revoked client %s", clientID)
	logging.Audit(logging.AuditEvent{
		Action:   "client_revoked",
		Outcome:  "success",
		ClientID: clientID,
	})
	return nil
}

// CountClients returns the number of persisted registrations, revoked
// ones included.
func (r *ClientRegistry) CountClients(ctx context.Context) (int, error) {
	return r.kv.CountPrefix(ctx, kvstore.Key{"oauth_clients", "registrations"})
}

// ListClients returns every persisted registration in client id order,
// revoked ones included. Undecodable records are skipped.
func (r *ClientRegistry) ListClients(ctx context.Context) ([]*ClientRegistration, error) {
	entries, err := r.kv.ListByPrefix(ctx, kvstore.Key{"oauth_clients", "registrations"})
	if err != nil {
		return nil, fmt.Errorf("failed to list client registrations: %w", err)
	}

	clients := make([]*ClientRegistration, 0, len(entries))
	for _, entry := range entries {
		var registration ClientRegistration
		if err := json.Unmarshal(entry.Value, &registration); err != nil {
			logging.Warn("AuthServer", "Skipping undecodable client record %v: %v", entry.Key, err)
			continue
		}
		clients = append(clients, &registration)
	}
	return clients, nil
}

// validateRedirectURI enforces the redirect URI policy: absolute URL, no
// fragment, https (or http on loopback when HTTPS is required), and host
// membership in the allow-list when one is configured.
func (r *ClientRegistry) validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q does not parse: %v", raw, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	host := strings.ToLower(parsed.Hostname())

	switch parsed.Scheme {
	case "https":
	case "http":
		if r.requireHTTPS && !isLoopbackHost(host) {
			return fmt.Errorf("redirect URI %q must use https (http is allowed for loopback only)", raw)
		}
	default:
		return fmt.Errorf("redirect URI %q has unsupported scheme %q", raw, parsed.Scheme)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowedHosts) > 0 {
		if _, ok := r.allowedHosts[host]; !ok {
			return fmt.Errorf("redirect URI host %q is not in the allow-list", host)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
