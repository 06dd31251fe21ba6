package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// AuthMode represents the API authentication mode.
type AuthMode string

const (
	// AuthModeNone disables authentication entirely.
	AuthModeNone AuthMode = "none"
	// AuthModeAPIKey requires a configured API key on every job request.
	AuthModeAPIKey AuthMode = "api_key"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "none", "api_key":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: none, api_key)", v)
	}
}

// AuthScheme controls where the API key is read from.
type AuthScheme string

const (
	// AuthSchemeBearer expects "Authorization: Bearer <key>" (or the configured header).
	AuthSchemeBearer AuthScheme = "bearer"
	// AuthSchemeHeader expects the raw key in the configured header.
	AuthSchemeHeader AuthScheme = "header"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthScheme.
func (a *AuthScheme) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "bearer", "header":
		*a = AuthScheme(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthScheme: %q (valid options: bearer, header)", v)
	}
}

// AuthConfig groups API key authentication configuration.
type AuthConfig struct {
	Mode       AuthMode   `env:"AUTH_MODE"        envDefault:"api_key"`
	Scheme     AuthScheme `env:"AUTH_SCHEME"      envDefault:"bearer"`
	HeaderName string     `env:"AUTH_HEADER_NAME" envDefault:"Authorization"`

	// APIKeys is the comma-separated allow list. SERVE_API_KEY is merged in
	// during Sanitize so single-key deployments need no list syntax.
	APIKeys []string `env:"SERVE_API_KEYS" envSeparator:","`
}

// Sanitize trims keys, merges SERVE_API_KEY and drops duplicates.
func (a *AuthConfig) Sanitize() {
	a.HeaderName = strings.TrimSpace(a.HeaderName)
	if a.HeaderName == "" {
		a.HeaderName = "Authorization"
	}

	candidates := append([]string{}, a.APIKeys...)
	if single := os.Getenv("SERVE_API_KEY"); single != "" {
		candidates = append(candidates, single)
	}

	seen := make(map[string]struct{}, len(candidates))
	keys := make([]string, 0, len(candidates))
	for _, k := range candidates {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	a.APIKeys = keys
}

// Validate reports contradictory auth settings.
func (a *AuthConfig) Validate() error {
	if a.Mode == AuthModeAPIKey && len(a.APIKeys) == 0 {
		return errors.New("auth mode api_key requires SERVE_API_KEYS or SERVE_API_KEY")
	}
	return nil
}

// Enabled reports whether requests must carry an API key.
func (a *AuthConfig) Enabled() bool {
	return a.Mode == AuthModeAPIKey
}
