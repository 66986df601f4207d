package authserver

import (
	"context"
	"fmt"
	"net/http"

	"tether/pkg/oauth"
)

// handleToken implements the token endpoint for the authorization_code
// and refresh_token grants. Clients authenticate with HTTP Basic or with
// client_id/client_secret form fields; public clients send client_id
// alone.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "malformed form body")
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if clientID == "" {
		writeTokenError(w, &OAuthError{Code: oauth.ErrorInvalidClient, Description: "missing client credentials"})
		return
	}

	client, err := s.provider.Clients().AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(ctx, w, r, client)
	case "refresh_token":
		s.handleRefreshTokenGrant(ctx, w, r, client)
	case "":
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "missing grant_type")
	default:
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorUnsupportedGrantType,
			fmt.Sprintf("grant type %q is not supported", grantType))
	}
}

func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, client *ClientRegistration) {
	if !client.HasGrantType("authorization_code") {
		writeTokenError(w, &OAuthError{
			Code:        oauth.ErrorUnauthorizedClient,
			Description: "client is not authorized for the authorization_code grant",
		})
		return
	}

	code := r.PostFormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "missing code parameter")
		return
	}
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")

	tokens, err := s.provider.ExchangeMCPAuthorizationCode(ctx, code, client, redirectURI, verifier)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRefreshTokenGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, client *ClientRegistration) {
	if !client.HasGrantType("refresh_token") {
		writeTokenError(w, &OAuthError{
			Code:        oauth.ErrorUnauthorizedClient,
			Description: "client is not authorized for the refresh_token grant",
		})
		return
	}

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "missing refresh_token parameter")
		return
	}

	tokens, err := s.provider.RefreshMCPToken(ctx, refreshToken, client)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// clientCredentials extracts client authentication from HTTP Basic auth
// or, failing that, from the form body.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
