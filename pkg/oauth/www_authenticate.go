package oauth

import (
	"fmt"
	"regexp"
	"strings"
)

// AuthChallenge is the structured form of a Bearer WWW-Authenticate
// header as defined by RFC 6750 section 3, extended with the
// resource_metadata parameter from RFC 9728.
type AuthChallenge struct {
	// Realm is the protection realm, typically the server's base URL.
	Realm string

	// ResourceMetadataURL points at the protected resource metadata
	// document (RFC 9728).
	ResourceMetadataURL string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the RFC 6750 error code (invalid_token, etc).
	Error string

	// ErrorDescription is a human-readable error description.
	ErrorDescription string
}

// Format renders the challenge as a WWW-Authenticate header value.
// Parameters with empty values are omitted. Quote characters inside
// values are stripped rather than escaped; none of the values carried
// here legitimately contain them.
func (c *AuthChallenge) Format() string {
	var b strings.Builder
	b.WriteString("Bearer")

	params := []struct {
		key   string
		value string
	}{
		{"realm", c.Realm},
		{"error", c.Error},
		{"error_description", c.ErrorDescription},
		{"scope", c.Scope},
		{"resource_metadata", c.ResourceMetadataURL},
	}

	first := true
	for _, p := range params {
		if p.value == "" {
			continue
		}
		if first {
			b.WriteString(" ")
			first = false
		} else {
			b.WriteString(", ")
		}
		b.WriteString(p.key)
		b.WriteString(`="`)
		b.WriteString(strings.ReplaceAll(p.value, `"`, ""))
		b.WriteString(`"`)
	}

	return b.String()
}

// ParseWWWAuthenticate parses a Bearer WWW-Authenticate header value.
//
// Example headers:
//
//	Bearer realm="https://auth.example.com"
//	Bearer realm="https://auth.example.com", scope="read write"
//	Bearer error="invalid_token", error_description="Token expired"
//
// Returns an AuthChallenge with the parsed parameters, or an error if the
// header is empty or not a Bearer challenge.
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("unsupported authentication scheme %q", parts[0])
	}

	challenge := &AuthChallenge{}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
		}
		if resourceMeta, ok := params["resource_metadata"]; ok {
			challenge.ResourceMetadataURL = resourceMeta
		}
		if scope, ok := params["scope"]; ok {
			challenge.Scope = scope
		}
		if errCode, ok := params["error"]; ok {
			challenge.Error = errCode
		}
		if errDesc, ok := params["error_description"]; ok {
			challenge.ErrorDescription = errDesc
		}
	}

	return challenge, nil
}

// parseAuthParams parses the parameter portion of a WWW-Authenticate header.
// Parameters are in the format: key1="value1", key2="value2"
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	paramRegex := regexp.MustCompile(`(\w+)="([^"]*)"`)
	matches := paramRegex.FindAllStringSubmatch(paramStr, -1)

	for _, match := range matches {
		if len(match) == 3 {
			key := strings.ToLower(match[1])
			value := match[2]
			params[key] = value
		}
	}

	return params
}
