// Package credstore persists third-party OAuth credentials encrypted at
// rest, keyed by (user, provider).
//
// # Layout
//
// Each credential set occupies two rows in the key-value store:
//
//   - [creds, <provider>, <user>]            AES-256-GCM sealed Credentials
//   - [creds, by_user, <user>, <provider>]   plaintext index (no secrets)
//
// The index row carries provider, stored_at, expires_at and whether a
// refresh token exists, so expiry walks and per-user listings never touch
// ciphertext. Primary and index rows always change together in one atomic
// commit; readers never observe a half-indexed credential.
//
// # Refresh Buffer
//
// GetCredentials treats a credential as absent once its expiry falls
// within the refresh buffer (default 5 minutes). That forces callers onto
// the refresh path before the upstream provider starts rejecting the
// token. The OAuth consumer uses GetCredentialsForRefresh to reach the
// refresh token of a credential the buffer already hides.
package credstore
