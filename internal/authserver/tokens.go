package authserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tether/internal/kvstore"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

const (
	// DefaultCodeTTL bounds the life of an authorization code.
	DefaultCodeTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is the default access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the default refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// tokenBytes is the random length of issued token strings. 32 bytes
	// base64url-encode to 43 characters.
	tokenBytes = 32

	// expiredRowGrace keeps expired access token rows readable for a
	// window after expiry so validation can answer expired_token instead
	// of invalid_token. The storage TTL sweeps them afterwards.
	expiredRowGrace = 24 * time.Hour
)

// Keys under which the token manager persists its records.
func codeKey(code string) kvstore.Key {
	return kvstore.Key{"mcp_auth", "codes", code}
}

func tokenKey(token string) kvstore.Key {
	return kvstore.Key{"mcp_auth", "tokens", token}
}

func refreshKey(token string) kvstore.Key {
	return kvstore.Key{"mcp_auth", "refresh_tokens", token}
}

// TokenManagerConfig carries the issuance lifetimes. Zero values fall
// back to the defaults.
type TokenManagerConfig struct {
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TokenManager issues and validates the MCP-side OAuth artifacts:
// authorization codes, access tokens, and refresh tokens. All state lives
// in the KV store so issued tokens survive process restarts.
type TokenManager struct {
	kv      *kvstore.Store
	clients *ClientRegistry

	codeTTL    time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration

	// now is a test hook.
	now func() time.Time
}

// NewTokenManager creates a token manager on top of the KV store. The
// client registry is consulted during validation for the revocation flag.
func NewTokenManager(kv *kvstore.Store, clients *ClientRegistry, cfg TokenManagerConfig) *TokenManager {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	return &TokenManager{
		kv:         kv,
		clients:    clients,
		codeTTL:    cfg.CodeTTL,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		now:        time.Now,
	}
}

// AccessTokenTTL returns the configured access token lifetime.
func (tm *TokenManager) AccessTokenTTL() time.Duration {
	return tm.accessTTL
}

// GenerateAuthorizationCode issues a single-use authorization code bound
// to the client, user, and redirect URI. The optional code challenge is
// verified at exchange time.
func (tm *TokenManager) GenerateAuthorizationCode(ctx context.Context, clientID, userID, redirectURI, codeChallenge, scope string) (string, error) {
	code, err := newSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := tm.now()
	record := AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(tm.codeTTL),
	}
	if codeChallenge != "" {
		record.CodeChallenge = codeChallenge
		record.CodeChallengeMethod = "S256"
	}

	value, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	if err := tm.kv.Set(ctx, codeKey(code), value, kvstore.WithTTL(tm.codeTTL)); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	logging.Debug("AuthServer", "Issued authorization code for client=%s user=%s (expires %v)",
		clientID, userID, record.ExpiresAt)
	return code, nil
}

// GetAuthorizationCode reads a code record without consuming it. Returns
// nil when the code does not exist or has expired.
func (tm *TokenManager) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	value, found, err := tm.kv.Get(ctx, codeKey(code))
	if err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}
	if !found {
		return nil, nil
	}

	var record AuthorizationCode
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &record, nil
}

// ExchangeAuthorizationCode consumes a code: it deletes the record
// atomically (only one concurrent exchange can win), then validates the
// client binding, redirect URI, and PKCE. The code is gone after the
// first exchange attempt even when validation fails, so a leaked code
// cannot be retried with corrected parameters.
func (tm *TokenManager) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, verifier string) (*AuthorizationCode, error) {
	record, err := tm.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "authorization code is invalid or expired"}
	}

	key := codeKey(code)
	err = tm.kv.AtomicCommit(ctx, []kvstore.Op{
		kvstore.OpExpectExists(key),
		kvstore.OpDelete(key),
	})
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "authorization code has already been used"}
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if record.ClientID != clientID {
		logging.Warn("AuthServer", "Authorization code client mismatch: issued to %s, exchanged by %s", record.ClientID, clientID)
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "authorization code was issued to a different client"}
	}
	if record.RedirectURI != redirectURI {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "redirect_uri does not match the authorization request"}
	}
	if !tm.now().Before(record.ExpiresAt) {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "authorization code is invalid or expired"}
	}

	if record.CodeChallenge != "" {
		if verifier == "" {
			return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "code_verifier is required"}
		}
		if err := oauth.VerifyCodeChallenge(verifier, record.CodeChallenge); err != nil {
			logging.Warn("AuthServer", "PKCE verification failed for client=%s: %v", clientID, err)
			return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "PKCE verification failed"}
		}
	}

	return record, nil
}

// GenerateAccessToken issues a new access token, optionally paired with a
// refresh token. Both rows are written in one atomic commit.
func (tm *TokenManager) GenerateAccessToken(ctx context.Context, clientID, userID string, withRefresh bool, scopes []string) (*IssuedTokens, error) {
	accessToken, err := newSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	now := tm.now()
	issued := &IssuedTokens{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresAt:   now.Add(tm.accessTTL),
		Scopes:      scopes,
	}

	accessRecord := AccessTokenRecord{
		Token:     accessToken,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: issued.ExpiresAt,
	}

	ops := make([]kvstore.Op, 0, 2)

	if withRefresh {
		refreshToken, err := newSecureToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate refresh token: %w", err)
		}
		issued.RefreshToken = refreshToken
		accessRecord.RefreshToken = refreshToken

		refreshRecord := RefreshTokenRecord{
			Token:       refreshToken,
			AccessToken: accessToken,
			ClientID:    clientID,
			UserID:      userID,
			Scopes:      scopes,
			IssuedAt:    now,
			ExpiresAt:   now.Add(tm.refreshTTL),
		}
		refreshValue, err := json.Marshal(refreshRecord)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		ops = append(ops, kvstore.OpSet(refreshKey(refreshToken), refreshValue, kvstore.WithTTL(tm.refreshTTL)))
	}

	accessValue, err := json.Marshal(accessRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal access token: %w", err)
	}
	ops = append(ops, kvstore.OpSet(tokenKey(accessToken), accessValue, kvstore.WithTTL(tm.accessTTL+expiredRowGrace)))

	if err := tm.kv.AtomicCommit(ctx, ops); err != nil {
		return nil, fmt.Errorf("failed to store issued tokens: %w", err)
	}

	logging.Debug("AuthServer", "Issued access token for client=%s user=%s refresh=%v (expires %v)",
		clientID, userID, withRefresh, issued.ExpiresAt)
	return issued, nil
}

// ValidateAccessToken resolves a bearer token to its identity. A token is
// valid only while it exists, is unexpired, and its client registration
// has not been revoked. Failures are reported in the result rather than
// as an error; only the error code distinguishes an expired token from an
// unknown one.
func (tm *TokenManager) ValidateAccessToken(ctx context.Context, token string) TokenValidation {
	if token == "" {
		return TokenValidation{Error: "Token is empty", ErrorCode: oauth.ErrorInvalidToken}
	}

	value, found, err := tm.kv.Get(ctx, tokenKey(token))
	if err != nil {
		logging.Error("AuthServer", err, "Token lookup failed")
		return TokenValidation{Error: "Token store unavailable", ErrorCode: oauth.ErrorServerError}
	}
	if !found {
		return TokenValidation{Error: "Token not found", ErrorCode: oauth.ErrorInvalidToken}
	}

	var record AccessTokenRecord
	if err := json.Unmarshal(value, &record); err != nil {
		logging.Error("AuthServer", err, "Corrupt access token record")
		return TokenValidation{Error: "Token not found", ErrorCode: oauth.ErrorInvalidToken}
	}

	if !tm.now().Before(record.ExpiresAt) {
		return TokenValidation{
			Error:     oauth.GuidanceExpiredToken,
			ErrorCode: oauth.ErrorExpiredToken,
			ClientID:  record.ClientID,
			UserID:    record.UserID,
		}
	}

	if tm.clients != nil {
		revoked, err := tm.clients.IsRevoked(ctx, record.ClientID)
		if err != nil {
			logging.Error("AuthServer", err, "Client revocation check failed")
			return TokenValidation{Error: "Token store unavailable", ErrorCode: oauth.ErrorServerError}
		}
		if revoked {
			return TokenValidation{Error: "Client registration has been revoked", ErrorCode: oauth.ErrorInvalidToken}
		}
	}

	return TokenValidation{
		Valid:     true,
		ClientID:  record.ClientID,
		UserID:    record.UserID,
		Scopes:    record.Scopes,
		ExpiresAt: record.ExpiresAt,
	}
}

// RefreshAccessToken rotates a refresh token: the old refresh token and
// the access token issued with it are deleted in the same atomic commit
// that persists the new pair, so a replayed refresh token loses the race
// and fails with invalid_grant.
func (tm *TokenManager) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*IssuedTokens, error) {
	key := refreshKey(refreshToken)

	value, found, err := tm.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !found {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "refresh token is invalid or expired"}
	}

	var record RefreshTokenRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	if record.ClientID != clientID {
		logging.Warn("AuthServer", "Refresh token client mismatch: issued to %s, presented by %s", record.ClientID, clientID)
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "refresh token was issued to a different client"}
	}
	if !tm.now().Before(record.ExpiresAt) {
		return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "refresh token is invalid or expired"}
	}

	newAccess, err := newSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	newRefresh, err := newSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := tm.now()
	issued := &IssuedTokens{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(tm.accessTTL),
		Scopes:       record.Scopes,
	}

	accessValue, err := json.Marshal(AccessTokenRecord{
		Token:        newAccess,
		ClientID:     record.ClientID,
		UserID:       record.UserID,
		Scopes:       record.Scopes,
		IssuedAt:     now,
		ExpiresAt:    issued.ExpiresAt,
		RefreshToken: newRefresh,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal access token: %w", err)
	}

	refreshValue, err := json.Marshal(RefreshTokenRecord{
		Token:       newRefresh,
		AccessToken: newAccess,
		ClientID:    record.ClientID,
		UserID:      record.UserID,
		Scopes:      record.Scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(tm.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	ops := []kvstore.Op{
		kvstore.OpExpectExists(key),
		kvstore.OpDelete(key),
	}
	if record.AccessToken != "" {
		ops = append(ops, kvstore.OpDelete(tokenKey(record.AccessToken)))
	}
	ops = append(ops,
		kvstore.OpSet(tokenKey(newAccess), accessValue, kvstore.WithTTL(tm.accessTTL+expiredRowGrace)),
		kvstore.OpSet(refreshKey(newRefresh), refreshValue, kvstore.WithTTL(tm.refreshTTL)),
	)
	err = tm.kv.AtomicCommit(ctx, ops)
	if err != nil {
		var conflict *kvstore.ConflictError
		if errors.As(err, &conflict) {
			return nil, &OAuthError{Code: oauth.ErrorInvalidGrant, Description: "refresh token has already been used"}
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	logging.Debug("AuthServer", "Rotated refresh token for client=%s user=%s", record.ClientID, record.UserID)
	return issued, nil
}

// RevokeToken implements RFC 7009 semantics: the presented token is
// removed from the store if it exists and belongs to the client. Unknown
// tokens are not an error. Revocation cascades to the paired token in
// both directions.
func (tm *TokenManager) RevokeToken(ctx context.Context, token, tokenTypeHint, clientID string) error {
	order := []string{"access_token", "refresh_token"}
	if tokenTypeHint == "refresh_token" {
		order = []string{"refresh_token", "access_token"}
	}

	for _, kind := range order {
		var revoked bool
		var err error
		if kind == "access_token" {
			revoked, err = tm.revokeAccessToken(ctx, token, clientID)
		} else {
			revoked, err = tm.revokeRefreshToken(ctx, token, clientID)
		}
		if err != nil {
			return err
		}
		if revoked {
			logging.Debug("AuthServer", "Revoked %s for client=%s", kind, clientID)
			return nil
		}
	}
	return nil
}

func (tm *TokenManager) revokeAccessToken(ctx context.Context, token, clientID string) (bool, error) {
	key := tokenKey(token)
	value, found, err := tm.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read access token: %w", err)
	}
	if !found {
		return false, nil
	}

	var record AccessTokenRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return false, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	if record.ClientID != clientID {
		// RFC 7009 section 2.2: do not reveal foreign tokens.
		return true, nil
	}

	ops := []kvstore.Op{kvstore.OpDelete(key)}
	if record.RefreshToken != "" {
		ops = append(ops, kvstore.OpDelete(refreshKey(record.RefreshToken)))
	}
	if err := tm.kv.AtomicCommit(ctx, ops); err != nil {
		return false, fmt.Errorf("failed to revoke access token: %w", err)
	}
	return true, nil
}

func (tm *TokenManager) revokeRefreshToken(ctx context.Context, token, clientID string) (bool, error) {
	key := refreshKey(token)
	value, found, err := tm.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !found {
		return false, nil
	}

	var record RefreshTokenRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return false, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if record.ClientID != clientID {
		return true, nil
	}

	ops := []kvstore.Op{kvstore.OpDelete(key)}
	if record.AccessToken != "" {
		ops = append(ops, kvstore.OpDelete(tokenKey(record.AccessToken)))
	}
	if err := tm.kv.AtomicCommit(ctx, ops); err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return true, nil
}

// newSecureToken returns 32 bytes of cryptographically random data,
// base64url-encoded without padding.
func newSecureToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
