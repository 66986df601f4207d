package authserver

import (
	"net/http"

	"tether/pkg/oauth"
)

// handleMetadata serves the RFC 8414 authorization server metadata
// document at /.well-known/oauth-authorization-server.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.issuerFor(r)

	metadata := oauth.Metadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   s.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, metadata)
}
