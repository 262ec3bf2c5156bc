package session

import (
	"net/http"
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for session establishment.
type Config struct {
	// Header is the request header carrying the authenticated email.
	Header string

	// ResolveTimeout bounds the profile lookup performed by Open.
	ResolveTimeout time.Duration
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Header:         "X-Auth-Email",
		ResolveTimeout: 5 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - UNISALE_SESSION_HEADER
//   - UNISALE_SESSION_RESOLVE_TIMEOUT (Go duration)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("UNISALE_SESSION_HEADER")); v != "" {
		cfg.Header = http.CanonicalHeaderKey(v)
	}

	if v := os.Getenv("UNISALE_SESSION_RESOLVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.ResolveTimeout = d
	}

	return cfg, nil
}
