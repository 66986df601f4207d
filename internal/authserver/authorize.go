package authserver

import (
	"context"
	"net/http"
	"net/url"

	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// handleAuthorize implements the authorization endpoint. Failures that
// occur after the redirect URI has been verified are reported by
// redirecting back to the client with an error parameter; an unregistered
// redirect URI is rejected with an HTML error page and never redirected
// to.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	scope := q.Get("scope")

	validation := s.provider.Clients().ValidateClient(ctx, clientID, redirectURI)
	switch {
	case validation.Valid:
		// continue below
	case validation.ErrorCode == oauth.ErrorServerError:
		renderAuthorizeError(w, http.StatusInternalServerError,
			"The authorization service is temporarily unavailable. Please try again.")
		return
	case validation.ErrorCode == oauth.ErrorInvalidClient:
		logging.Warn("AuthServer", "Authorization request for unknown or revoked client_id=%s", clientID)
		s.redirectError(w, r, redirectURI, state, oauth.ErrorInvalidClient, validation.Error)
		return
	default:
		// The redirect URI is not registered for this client. Redirecting
		// would hand the code-bearing callback to an unvetted location,
		// so the request dies here.
		logging.Warn("AuthServer", "Authorization request from client_id=%s with unregistered redirect_uri=%s",
			clientID, redirectURI)
		renderAuthorizeError(w, http.StatusBadRequest,
			"The redirect URI is not registered for this client.")
		return
	}

	client := validation.Client
	if redirectURI == "" {
		renderAuthorizeError(w, http.StatusBadRequest, "The redirect_uri parameter is required.")
		return
	}

	if responseType != "code" {
		s.redirectError(w, r, redirectURI, state, oauth.ErrorUnsupportedResponse,
			"only the authorization code flow is supported")
		return
	}

	if codeChallenge == "" && client.IsPublic() {
		s.redirectError(w, r, redirectURI, state, oauth.ErrorInvalidRequest,
			"code_challenge is required for public clients")
		return
	}
	if codeChallenge != "" && challengeMethod != "" && challengeMethod != "S256" {
		s.redirectError(w, r, redirectURI, state, oauth.ErrorInvalidRequest,
			"only the S256 code_challenge_method is supported")
		return
	}

	scopes := oauth.SplitScope(scope)
	if len(scopes) == 0 {
		scopes = s.config.DefaultScopes
	}
	for _, requested := range scopes {
		if !s.scopeSupported(requested) {
			s.redirectError(w, r, redirectURI, state, oauth.ErrorInvalidScope,
				"requested scope is not supported")
			return
		}
	}
	grantedScope := oauth.JoinScope(scopes)

	userID := s.config.DefaultUserID

	// When an upstream identity provider is wired in and the user holds
	// no live upstream credentials, the browser is sent upstream first.
	// The pending MCP request is parked as a binding record keyed by the
	// upstream state; the callback completes it.
	if s.upstream != nil && !s.upstream.IsUserAuthenticated(ctx, userID) {
		s.redirectUpstream(ctx, w, r, upstreamRedirect{
			client:        client,
			redirectURI:   redirectURI,
			state:         state,
			codeChallenge: codeChallenge,
			scope:         grantedScope,
			userID:        userID,
		})
		return
	}

	code, err := s.provider.Tokens().GenerateAuthorizationCode(ctx, client.ClientID, userID, redirectURI, codeChallenge, grantedScope)
	if err != nil {
		logging.Error("AuthServer", err, "Failed to generate authorization code for client_id=%s", client.ClientID)
		s.redirectError(w, r, redirectURI, state, oauth.ErrorServerError,
			"failed to issue authorization code")
		return
	}

	logging.Audit(logging.AuditEvent{
		Action:   "authorization_granted",
		Outcome:  "success",
		ClientID: client.ClientID,
		UserID:   userID,
	})

	target, err := url.Parse(redirectURI)
	if err != nil {
		renderAuthorizeError(w, http.StatusBadRequest, "The redirect URI could not be parsed.")
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type upstreamRedirect struct {
	client        *ClientRegistration
	redirectURI   string
	state         string
	codeChallenge string
	scope         string
	userID        string
}

// redirectUpstream parks the MCP authorization request and forwards the
// browser to the upstream identity provider.
func (s *Server) redirectUpstream(ctx context.Context, w http.ResponseWriter, r *http.Request, req upstreamRedirect) {
	authURL, upstreamState, err := s.upstream.StartAuthorizationFlow(ctx, req.userID)
	if err != nil {
		logging.Error("AuthServer", err, "Failed to start upstream authorization flow for user=%s", req.userID)
		s.redirectError(w, r, req.redirectURI, req.state, oauth.ErrorServerError,
			"failed to start upstream authorization")
		return
	}

	record := MCPAuthRequest{
		MCPClientID:    req.client.ClientID,
		MCPRedirectURI: req.redirectURI,
		MCPState:       req.state,
		CodeChallenge:  req.codeChallenge,
		Scope:          req.scope,
		UserID:         req.userID,
	}
	if err := s.provider.Bindings().StoreMCPAuthRequest(ctx, upstreamState, record); err != nil {
		logging.Error("AuthServer", err, "Failed to store pending authorization for client_id=%s", req.client.ClientID)
		s.redirectError(w, r, req.redirectURI, req.state, oauth.ErrorServerError,
			"failed to persist authorization request")
		return
	}

	logging.Audit(logging.AuditEvent{
		Action:   "upstream_authorization_started",
		Outcome:  "success",
		ClientID: req.client.ClientID,
		UserID:   req.userID,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// redirectError sends the browser back to the client's redirect URI with
// RFC 6749 error parameters. When the redirect URI itself is unusable the
// error is rendered as a page instead.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	if redirectURI == "" {
		renderAuthorizeError(w, http.StatusBadRequest, description)
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil || target.Host == "" {
		renderAuthorizeError(w, http.StatusBadRequest, description)
		return
	}
	params := target.Query()
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) scopeSupported(scope string) bool {
	for _, supported := range s.config.SupportedScopes {
		if scope == supported {
			return true
		}
	}
	return false
}
