package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/threat-thinker/ttserve/config"
	apperrors "github.com/threat-thinker/ttserve/internal/errors"
)

// Client-facing authentication messages.
const (
	MsgMissingAPIKey      = "Missing or invalid API key."
	MsgUnauthorizedAPIKey = "Unauthorized API key."
)

// APIKeyAuthenticator checks the configured header for an allowed API key.
type APIKeyAuthenticator struct {
	mode   config.AuthMode
	scheme config.AuthScheme
	header string
	keys   [][]byte
}

// NewAPIKeyAuthenticator builds an authenticator from sanitized auth config.
func NewAPIKeyAuthenticator(cfg config.AuthConfig) *APIKeyAuthenticator {
	header := strings.TrimSpace(cfg.HeaderName)
	if header == "" {
		header = "Authorization"
	}
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return &APIKeyAuthenticator{
		mode:   cfg.Mode,
		scheme: cfg.Scheme,
		header: header,
		keys:   keys,
	}
}

// Enabled reports whether requests must carry a key.
func (a *APIKeyAuthenticator) Enabled() bool {
	return a != nil && a.mode == config.AuthModeAPIKey
}

// HeaderName is the header the key is read from.
func (a *APIKeyAuthenticator) HeaderName() string {
	return a.header
}

// Authenticate returns the presented key. It returns "" and nil when
// authentication is disabled.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	token := a.extractToken(r)
	if token == "" {
		return "", apperrors.Unauthorized(MsgMissingAPIKey)
	}
	if len(a.keys) > 0 && !a.known(token) {
		return "", apperrors.Forbidden(MsgUnauthorizedAPIKey)
	}
	return token, nil
}

func (a *APIKeyAuthenticator) extractToken(r *http.Request) string {
	raw := r.Header.Get(a.header)
	if raw == "" {
		return ""
	}
	if a.scheme != config.AuthSchemeBearer {
		return strings.TrimSpace(raw)
	}
	const prefix = "bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

// known compares against every key so timing does not reveal which one matched.
func (a *APIKeyAuthenticator) known(token string) bool {
	presented := []byte(token)
	match := 0
	for _, k := range a.keys {
		match |= subtle.ConstantTimeCompare(presented, k)
	}
	return match == 1
}

// RequireAPIKey returns a middleware that rejects requests without an allowed
// API key and stores the accepted key in the request context.
func RequireAPIKey(auth *APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !auth.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := auth.Authenticate(r)
			if err != nil {
				if auth.scheme == config.AuthSchemeBearer && strings.EqualFold(auth.header, "Authorization") {
					w.Header().Set("WWW-Authenticate", "Bearer")
				}
				WriteAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(SetAPIKeyInContext(r.Context(), key)))
		})
	}
}
