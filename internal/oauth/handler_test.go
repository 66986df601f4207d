package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgoauth "tether/pkg/oauth"
)

type fakeCompleter struct {
	redirect  string
	err       error
	calls     int
	lastState string
	lastUser  string
}

func (f *fakeCompleter) CompleteMCPAuthorization(_ context.Context, upstreamState, userID string) (string, error) {
	f.calls++
	f.lastState = upstreamState
	f.lastUser = userID
	if f.err != nil {
		return "", f.err
	}
	return f.redirect, nil
}

func callbackGet(t *testing.T, handler *CallbackHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func startedFlow(t *testing.T, consumer *Consumer) string {
	t.Helper()
	_, state, err := consumer.StartAuthorizationFlow(context.Background(), "u1")
	require.NoError(t, err)
	return state
}

func exchangeToken() *pkgoauth.Token {
	return &pkgoauth.Token{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestCallback_SuccessPage(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize", token: exchangeToken()}
	consumer, creds := newTestConsumer(t, adapter)
	handler := NewCallbackHandler(consumer, nil)
	state := startedFlow(t, consumer)

	rec := callbackGet(t, handler, "/oauth/callback?code=code-1&state="+state)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Body.String(), "Authorization Successful")
	assert.Contains(t, rec.Body.String(), "Powered by Tether")

	stored, err := creds.GetCredentials(context.Background(), "github", "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "upstream-access", stored.AccessToken)
}

func TestCallback_RedirectsToMCPClient(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize", token: exchangeToken()}
	consumer, _ := newTestConsumer(t, adapter)
	completer := &fakeCompleter{redirect: "http://localhost:3503/callback?code=mcp-code&state=S1"}
	handler := NewCallbackHandler(consumer, completer)
	state := startedFlow(t, consumer)

	rec := callbackGet(t, handler, "/oauth/callback?code=code-1&state="+state)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, completer.redirect, rec.Header().Get("Location"))
	assert.Equal(t, 1, completer.calls)
	assert.Equal(t, state, completer.lastState)
	assert.Equal(t, "u1", completer.lastUser)
}

func TestCallback_NoBoundAuthorizationRendersSuccess(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize", token: exchangeToken()}
	consumer, _ := newTestConsumer(t, adapter)
	completer := &fakeCompleter{redirect: ""}
	handler := NewCallbackHandler(consumer, completer)
	state := startedFlow(t, consumer)

	rec := callbackGet(t, handler, "/oauth/callback?code=code-1&state="+state)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization Successful")
	assert.Equal(t, 1, completer.calls)
}

func TestCallback_ProviderError(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	handler := NewCallbackHandler(consumer, nil)

	rec := callbackGet(t, handler, "/oauth/callback?error=access_denied&error_description=user+refused")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization failed: access_denied")
}

func TestCallback_EscapesProviderText(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	handler := NewCallbackHandler(consumer, nil)

	rec := callbackGet(t, handler, "/oauth/callback?error=%3Cscript%3Ealert(1)%3C%2Fscript%3E")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
}

func TestCallback_MissingParameters(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	handler := NewCallbackHandler(consumer, nil)

	rec := callbackGet(t, handler, "/oauth/callback?code=only-code")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing required parameters")
}

func TestCallback_UnknownState(t *testing.T) {
	consumer, _ := newTestConsumer(t, &fakeAdapter{})
	handler := NewCallbackHandler(consumer, nil)

	rec := callbackGet(t, handler, "/oauth/callback?code=code-1&state=forged")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authorization session expired")
}

func TestCallback_ExchangeFailure(t *testing.T) {
	adapter := &fakeAdapter{
		authURL:     "https://idp.example.com/authorize",
		exchangeErr: &pkgoauth.TokenRequestError{StatusCode: 400, Code: "invalid_grant"},
	}
	consumer, _ := newTestConsumer(t, adapter)
	handler := NewCallbackHandler(consumer, nil)
	state := startedFlow(t, consumer)

	rec := callbackGet(t, handler, "/oauth/callback?code=bad&state="+state)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to complete authorization")
}

func TestCallback_CompleterFailure(t *testing.T) {
	adapter := &fakeAdapter{authURL: "https://idp.example.com/authorize", token: exchangeToken()}
	consumer, _ := newTestConsumer(t, adapter)
	completer := &fakeCompleter{err: errors.New("storage down")}
	handler := NewCallbackHandler(consumer, completer)
	state := startedFlow(t, consumer)

	rec := callbackGet(t, handler, "/oauth/callback?code=code-1&state="+state)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "finishing the client authorization failed")
}
