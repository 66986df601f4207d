package authserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// OAuthError is a protocol-level rejection carrying an RFC 6749 error
// code. Handlers translate it to the matching HTTP status; anything else
// surfacing from the managers is treated as a server fault.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// writeJSON writes a JSON response body with the given status. Responses
// default to Cache-Control no-store per RFC 6749 section 5.1 unless the
// handler already set a caching policy.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("AuthServer", err, "Failed to encode response body")
	}
}

// writeOAuthError writes an RFC 6749 error body.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauth.ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeTokenError maps a token/grant failure to its HTTP response.
// invalid_client gets 401 with a WWW-Authenticate challenge per RFC 6749
// section 5.2; other protocol errors get 400; unexpected faults get 500.
func writeTokenError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		logging.Error("AuthServer", err, "Token endpoint failure")
		writeOAuthError(w, http.StatusInternalServerError, oauth.ErrorServerError, "internal server error")
		return
	}

	status := http.StatusBadRequest
	if oauthErr.Code == oauth.ErrorInvalidClient {
		challenge := oauth.AuthChallenge{
			Error:            oauthErr.Code,
			ErrorDescription: oauthErr.Description,
		}
		w.Header().Set("WWW-Authenticate", challenge.Format())
		status = http.StatusUnauthorized
	}
	writeOAuthError(w, status, oauthErr.Code, oauthErr.Description)
}
