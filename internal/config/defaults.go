package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	userConfigDir  = ".config/tether"
	configFileName = "config.yaml"

	defaultStateDir = ".local/state/tether"
	defaultDBFile   = "tether.db"
)

// DefaultConfigPath returns ~/.config/tether/config.yaml.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

// DefaultConfigPathOrPanic is DefaultConfigPath for cobra flag defaults,
// where there is no error channel.
func DefaultConfigPathOrPanic() string {
	path, err := DefaultConfigPath()
	if err != nil {
		panic(err)
	}
	return path
}

// DefaultConfig returns the configuration used when no file exists.
// Every Load starts from this value, so a partial file only needs the
// fields it wants to change.
func DefaultConfig() Config {
	return Config{
		Transport: TransportStreamableHTTP,
		Host:      "localhost",
		Port:      8090,
		Storage: StorageConfig{
			Path:           filepath.Join("~", defaultStateDir, defaultDBFile),
			EventRetention: 1000,
		},
		Auth: AuthConfig{
			Enabled:              true,
			AccessTokenTTL:       Duration(1 * time.Hour),
			RefreshTokenTTL:      Duration(720 * time.Hour),
			AuthorizationCodeTTL: Duration(10 * time.Minute),
			MinTokenLength:       32,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerWindow: 50,
				Window:            Duration(15 * time.Minute),
			},
		},
		Upstream: UpstreamConfig{
			ProviderID:    "upstream",
			CallbackPath:  "/oauth/callback",
			RefreshBuffer: Duration(5 * time.Minute),
			UsePKCE:       true,
		},
		Session: SessionConfig{
			MaxSessions: 10000,
			Timeout:     Duration(24 * time.Hour),
		},
		RequestTimeout: Duration(30 * time.Second),
		LogLevel:       "info",
		LogFormat:      LogFormatText,
	}
}
