package authserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"tether/pkg/oauth"
)

// Registration bodies larger than this are rejected outright.
const maxRegistrationBodyBytes = 64 * 1024

// handleRegister implements RFC 7591 dynamic client registration.
// Successful registrations return 201 with the issued client_id and,
// for confidential clients, the client_secret.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req oauth.ClientRegistrationRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}

	resp, err := s.provider.Clients().RegisterClient(r.Context(), req)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			writeOAuthError(w, http.StatusBadRequest, oauthErr.Code, oauthErr.Description)
			return
		}
		writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}
