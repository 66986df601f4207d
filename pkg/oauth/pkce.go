package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 32 bytes provides 256 bits of entropy, which is recommended for security.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the OAuth state parameter.
	// 32 bytes encodes to 43 base64url characters, satisfying OAuth servers that
	// require a minimum of 32 characters.
	stateBytes = 32

	// RFC 7636 section 4.1 bounds on the code verifier length.
	minVerifierLength = 43
	maxVerifierLength = 128
)

// GeneratePKCE generates a new PKCE code verifier and challenge.
// The code verifier is 32 random bytes (256 bits), base64url-encoded.
// The code challenge is the S256 (SHA256) hash of the verifier.
//
// Returns a PKCEChallenge ready for use in an authorization request.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifier, challenge, err := GeneratePKCERaw()
	if err != nil {
		return nil, err
	}

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// GeneratePKCERaw generates a PKCE code verifier and challenge as raw strings.
// This is useful when you don't need the full PKCEChallenge struct.
//
// Returns the verifier and S256 challenge.
func GeneratePKCERaw() (verifier, challenge string, err error) {
	// Generate 32 random bytes for the code verifier
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	// Base64url-encode the verifier (no padding, URL-safe)
	verifier = base64.RawURLEncoding.EncodeToString(verifierBytes)

	// Generate the S256 challenge: SHA256(verifier), base64url-encoded
	challenge = ComputeCodeChallenge(verifier)

	return verifier, challenge, nil
}

// ComputeCodeChallenge derives the S256 code challenge for a verifier:
// SHA256(verifier), base64url-encoded without padding.
func ComputeCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateCodeVerifier checks that a code verifier satisfies RFC 7636
// section 4.1: 43 to 128 characters from the unreserved set
// [A-Za-z0-9-._~].
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code verifier must be %d-%d characters, got %d",
			minVerifierLength, maxVerifierLength, len(verifier))
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return fmt.Errorf("code verifier contains invalid character %q at position %d", c, i)
		}
	}
	return nil
}

// VerifyCodeChallenge checks a code verifier against the S256 challenge
// recorded at authorization time. The verifier is validated against the
// RFC 7636 grammar first, then its derived challenge is compared to the
// stored one in constant time.
//
// The comparison iterates over the longer of the two strings so that the
// timing does not reveal the point of first mismatch or either length.
// Both inputs are base64url strings, so byte-wise comparison is safe;
// this would not hold for arbitrary multi-byte UTF-8 input.
func VerifyCodeChallenge(verifier, challenge string) error {
	if err := ValidateCodeVerifier(verifier); err != nil {
		return err
	}
	if challenge == "" {
		return fmt.Errorf("code challenge is empty")
	}

	computed := ComputeCodeChallenge(verifier)

	n := len(computed)
	if len(challenge) > n {
		n = len(challenge)
	}
	var diff byte
	for i := 0; i < n; i++ {
		var a, b byte
		if i < len(computed) {
			a = computed[i]
		}
		if i < len(challenge) {
			b = challenge[i]
		}
		diff |= a ^ b
	}
	if diff != 0 || len(computed) != len(challenge) {
		return fmt.Errorf("code verifier does not match challenge")
	}
	return nil
}

// GenerateState generates a random state parameter for OAuth.
// The state is used to prevent CSRF attacks and link the authorization
// response back to the original request.
//
// Returns a base64url-encoded random string.
func GenerateState() (string, error) {
	stateBytes := make([]byte, stateBytes)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}
