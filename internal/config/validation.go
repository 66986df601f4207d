package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError aggregates every problem found in a configuration so
// the user can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the merged configuration for internal consistency.
func (c Config) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Transport {
	case TransportStreamableHTTP, TransportStdio:
	default:
		addf("transport must be %q or %q, got %q", TransportStreamableHTTP, TransportStdio, c.Transport)
	}

	if c.Transport == TransportStreamableHTTP {
		if c.Host == "" {
			addf("host must not be empty")
		}
		if c.Port < 1 || c.Port > 65535 {
			addf("port must be in 1-65535, got %d", c.Port)
		}
	}

	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			addf("publicURL must be an absolute URL, got %q", c.PublicURL)
		}
	}

	if c.Storage.Path == "" {
		addf("storage.path must not be empty")
	}
	if c.Storage.EventRetention < 0 {
		addf("storage.eventRetention must not be negative, got %d", c.Storage.EventRetention)
	}
	if c.Storage.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKey)
		if err != nil {
			addf("storage.encryptionKey must be base64: %v", err)
		} else if len(key) != 32 {
			addf("storage.encryptionKey must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.Auth.Enabled {
		if c.Auth.AccessTokenTTL <= 0 {
			addf("auth.accessTokenTTL must be positive")
		}
		if c.Auth.RefreshTokenTTL <= 0 {
			addf("auth.refreshTokenTTL must be positive")
		}
		if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
			addf("auth.refreshTokenTTL must exceed auth.accessTokenTTL")
		}
		if c.Auth.AuthorizationCodeTTL <= 0 {
			addf("auth.authorizationCodeTTL must be positive")
		}
		if c.Auth.MinTokenLength < 1 {
			addf("auth.minTokenLength must be positive, got %d", c.Auth.MinTokenLength)
		}
		if c.Auth.RateLimit.Enabled {
			if c.Auth.RateLimit.RequestsPerWindow < 1 {
				addf("auth.rateLimit.requestsPerWindow must be positive")
			}
			if c.Auth.RateLimit.Window <= 0 {
				addf("auth.rateLimit.window must be positive")
			}
		}

		if c.Upstream.ClientID == "" {
			addf("upstream.clientID is required when auth is enabled")
		}
		if c.Upstream.AuthorizationEndpoint == "" {
			addf("upstream.authorizationEndpoint is required when auth is enabled")
		}
		if c.Upstream.TokenEndpoint == "" {
			addf("upstream.tokenEndpoint is required when auth is enabled")
		}
		if !strings.HasPrefix(c.Upstream.CallbackPath, "/") {
			addf("upstream.callbackPath must start with /, got %q", c.Upstream.CallbackPath)
		}
		if c.Upstream.RefreshBuffer < 0 {
			addf("upstream.refreshBuffer must not be negative")
		}
	}

	if c.Session.MaxSessions < 1 {
		addf("session.maxSessions must be positive, got %d", c.Session.MaxSessions)
	}
	if c.Session.Timeout <= 0 {
		addf("session.timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		addf("requestTimeout must be positive")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		addf("logLevel must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		addf("logFormat must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.LogFormat)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
