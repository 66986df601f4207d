package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in the transport field.
const (
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP = "streamable-http"
	// TransportStdio is the standard I/O transport.
	TransportStdio = "stdio"
)

// Log output formats accepted in the logFormat field.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Duration wraps time.Duration so YAML files can use "30s" / "24h"
// notation. Bare integers are rejected; a unit is always required.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level tether configuration.
type Config struct {
	// Transport selects the MCP transport: streamable-http or stdio.
	Transport string `yaml:"transport,omitempty"`

	// Host and Port are the HTTP bind address. Ignored for stdio.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// PublicURL is the externally reachable base URL used for the OAuth
	// issuer and redirect URLs. Defaults to http://host:port.
	PublicURL string `yaml:"publicURL,omitempty"`

	Storage  StorageConfig  `yaml:"storage,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Upstream UpstreamConfig `yaml:"upstream,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`

	// RequestTimeout bounds each MCP HTTP request.
	RequestTimeout Duration `yaml:"requestTimeout,omitempty"`

	// LogLevel is one of debug, info, warn, error. Runtime-safe.
	LogLevel string `yaml:"logLevel,omitempty"`

	// LogFormat is text or json. The stdio transport always logs text
	// to stderr regardless of this setting.
	LogFormat string `yaml:"logFormat,omitempty"`
}

// StorageConfig describes the SQLite-backed persistent store.
type StorageConfig struct {
	// Path is the SQLite database file. "~" expands to the home
	// directory at load time.
	Path string `yaml:"path,omitempty"`

	// EventRetention is the number of events kept per SSE stream for
	// Last-Event-Id replay.
	EventRetention int `yaml:"eventRetention,omitempty"`

	// EncryptionKey is the base64-encoded 32-byte AES key protecting
	// stored upstream credentials. Generated and persisted next to the
	// database on first boot when empty.
	EncryptionKey string `yaml:"encryptionKey,omitempty"`
}

// AuthConfig configures the built-in OAuth authorization server.
type AuthConfig struct {
	// Enabled turns the OAuth layer on. When false every MCP request is
	// served anonymously.
	Enabled bool `yaml:"enabled,omitempty"`

	// SkipAuthentication keeps the OAuth endpoints mounted but lets MCP
	// requests through without a token. Development only.
	SkipAuthentication bool `yaml:"skipAuthentication,omitempty"`

	// RequireHTTPS restricts client redirect URIs to https (loopback
	// http allowed).
	RequireHTTPS bool `yaml:"requireHTTPS,omitempty"`

	// AllowedRedirectHosts is an optional allow-list of redirect URI
	// hosts. Empty means any host. Runtime-safe.
	AllowedRedirectHosts []string `yaml:"allowedRedirectHosts,omitempty"`

	AccessTokenTTL       Duration `yaml:"accessTokenTTL,omitempty"`
	RefreshTokenTTL      Duration `yaml:"refreshTokenTTL,omitempty"`
	AuthorizationCodeTTL Duration `yaml:"authorizationCodeTTL,omitempty"`

	// MinTokenLength rejects obviously malformed bearer tokens before
	// any store lookup.
	MinTokenLength int `yaml:"minTokenLength,omitempty"`

	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// RateLimitConfig bounds requests to the OAuth endpoints per client IP.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled,omitempty"`
	RequestsPerWindow int      `yaml:"requestsPerWindow,omitempty"`
	Window            Duration `yaml:"window,omitempty"`
}

// UpstreamConfig describes the third-party OAuth provider tether
// consumes on behalf of its users.
type UpstreamConfig struct {
	// ProviderID names the provider in credential keys and logs.
	ProviderID string `yaml:"providerID,omitempty"`

	ClientID     string `yaml:"clientID,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`

	AuthorizationEndpoint string `yaml:"authorizationEndpoint,omitempty"`
	TokenEndpoint         string `yaml:"tokenEndpoint,omitempty"`

	// UserinfoEndpoint is optional; when set the whoami built-in tool
	// fetches it with the caller's upstream credential.
	UserinfoEndpoint string `yaml:"userinfoEndpoint,omitempty"`

	Scopes []string `yaml:"scopes,omitempty"`

	// CallbackPath is where the provider redirects back to tether.
	CallbackPath string `yaml:"callbackPath,omitempty"`

	// RefreshBuffer refreshes credentials this long before expiry.
	RefreshBuffer Duration `yaml:"refreshBuffer,omitempty"`

	// UsePKCE sends a PKCE challenge on the upstream authorization
	// request.
	UsePKCE bool `yaml:"usePKCE,omitempty"`
}

// SessionConfig bounds the live MCP session registry.
type SessionConfig struct {
	MaxSessions int      `yaml:"maxSessions,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
}

// BaseURL returns the externally reachable base URL: PublicURL when
// set, otherwise http://host:port.
func (c Config) BaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// CallbackURL returns the absolute upstream callback URL.
func (c Config) CallbackURL() string {
	return c.BaseURL() + c.Upstream.CallbackPath
}
