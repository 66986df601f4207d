package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tether/pkg/logging"
)

// Load reads the configuration file at path, layered over DefaultConfig.
// A missing file is not an error; the defaults are returned. The result
// is validated and storage.path has "~" expanded.
//
// When the file parses but fails validation, the parsed configuration
// is returned alongside the *ValidationError so read-only tooling can
// still locate the store.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config file at %s, using defaults", path)
			return finalize(cfg)
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	logging.Debug("Config", "Loaded configuration from %s", path)

	return finalize(cfg)
}

// finalize expands paths and validates the merged configuration.
func finalize(cfg Config) (Config, error) {
	expanded, err := ExpandPath(cfg.Storage.Path)
	if err != nil {
		return Config{}, fmt.Errorf("expanding storage.path: %w", err)
	}
	cfg.Storage.Path = expanded

	return cfg, cfg.Validate()
}

// ExpandPath replaces a leading "~" with the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine user home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// ApplyRuntime merges the runtime-safe fields of next into current and
// returns the merged configuration plus the names of changed fields
// that were NOT applied because they require a restart.
func ApplyRuntime(current, next Config) (Config, []string) {
	merged := current
	merged.LogLevel = next.LogLevel
	merged.Auth.AllowedRedirectHosts = next.Auth.AllowedRedirectHosts

	var ignored []string
	add := func(name string, changed bool) {
		if changed {
			ignored = append(ignored, name)
		}
	}

	add("transport", current.Transport != next.Transport)
	add("host", current.Host != next.Host)
	add("port", current.Port != next.Port)
	add("publicURL", current.PublicURL != next.PublicURL)
	add("storage.path", current.Storage.Path != next.Storage.Path)
	add("storage.eventRetention", current.Storage.EventRetention != next.Storage.EventRetention)
	add("storage.encryptionKey", current.Storage.EncryptionKey != next.Storage.EncryptionKey)
	add("auth.enabled", current.Auth.Enabled != next.Auth.Enabled)
	add("auth.skipAuthentication", current.Auth.SkipAuthentication != next.Auth.SkipAuthentication)
	add("auth.requireHTTPS", current.Auth.RequireHTTPS != next.Auth.RequireHTTPS)
	add("auth.accessTokenTTL", current.Auth.AccessTokenTTL != next.Auth.AccessTokenTTL)
	add("auth.refreshTokenTTL", current.Auth.RefreshTokenTTL != next.Auth.RefreshTokenTTL)
	add("auth.authorizationCodeTTL", current.Auth.AuthorizationCodeTTL != next.Auth.AuthorizationCodeTTL)
	add("auth.minTokenLength", current.Auth.MinTokenLength != next.Auth.MinTokenLength)
	add("auth.rateLimit", current.Auth.RateLimit != next.Auth.RateLimit)
	add("upstream.providerID", current.Upstream.ProviderID != next.Upstream.ProviderID)
	add("upstream.clientID", current.Upstream.ClientID != next.Upstream.ClientID)
	add("upstream.clientSecret", current.Upstream.ClientSecret != next.Upstream.ClientSecret)
	add("upstream.authorizationEndpoint", current.Upstream.AuthorizationEndpoint != next.Upstream.AuthorizationEndpoint)
	add("upstream.tokenEndpoint", current.Upstream.TokenEndpoint != next.Upstream.TokenEndpoint)
	add("upstream.userinfoEndpoint", current.Upstream.UserinfoEndpoint != next.Upstream.UserinfoEndpoint)
	add("upstream.scopes", !equalStrings(current.Upstream.Scopes, next.Upstream.Scopes))
	add("upstream.callbackPath", current.Upstream.CallbackPath != next.Upstream.CallbackPath)
	add("upstream.refreshBuffer", current.Upstream.RefreshBuffer != next.Upstream.RefreshBuffer)
	add("upstream.usePKCE", current.Upstream.UsePKCE != next.Upstream.UsePKCE)
	add("session.maxSessions", current.Session.MaxSessions != next.Session.MaxSessions)
	add("session.timeout", current.Session.Timeout != next.Session.Timeout)
	add("requestTimeout", current.RequestTimeout != next.RequestTimeout)
	add("logFormat", current.LogFormat != next.LogFormat)

	return merged, ignored
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
