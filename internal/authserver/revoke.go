package authserver

import (
	"net/http"

	"tether/pkg/oauth"
)

// handleRevoke implements RFC 7009 token revocation. The caller must
// authenticate as a registered client; per the RFC the endpoint answers
// 200 whether or not the presented token existed.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
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

	token := r.PostFormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.ErrorInvalidRequest, "missing token parameter")
		return
	}
	hint := r.PostFormValue("token_type_hint")

	if err := s.provider.Tokens().RevokeToken(ctx, token, hint, client.ClientID); err != nil {
		writeOAuthError(w, http.StatusServiceUnavailable, oauth.ErrorServerError, "revocation storage unavailable")
		return
	}

	w.WriteHeader(http.StatusOK)
}
