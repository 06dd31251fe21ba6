package config

import (
	"fmt"
	"net/netip"
	"strings"
)

// RateLimitScope selects the identity a rate limit window is keyed by.
type RateLimitScope string

const (
	// RateLimitScopeIP keys windows by client IP.
	RateLimitScopeIP RateLimitScope = "ip"
	// RateLimitScopeAPIKey keys windows by API key, falling back to IP when absent.
	RateLimitScopeAPIKey RateLimitScope = "api_key"
)

// UnmarshalText implements encoding.TextUnmarshaler for RateLimitScope.
func (s *RateLimitScope) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "ip", "api_key":
		*s = RateLimitScope(v)
		return nil
	default:
		return fmt.Errorf("invalid RateLimitScope: %q (valid options: ip, api_key)", v)
	}
}

// RateLimitConfig controls the fixed-window admission gate on job submission.
type RateLimitConfig struct {
	Enabled           bool           `env:"RATE_LIMIT_ENABLED"             envDefault:"true"`
	Scope             RateLimitScope `env:"RATE_LIMIT_SCOPE"               envDefault:"ip"`
	RequestsPerMinute int            `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"10"`
	KeyPrefix         string         `env:"RATE_LIMIT_KEY_PREFIX"          envDefault:"tt:rl"`
}

// Sanitize applies guardrails to rate limit values.
func (r *RateLimitConfig) Sanitize() {
	if r.RequestsPerMinute < 1 {
		r.RequestsPerMinute = 1
	}
	r.KeyPrefix = strings.TrimRight(strings.TrimSpace(r.KeyPrefix), ":")
	if r.KeyPrefix == "" {
		r.KeyPrefix = "tt:rl"
	}
}

// ClientIPConfig controls how the client address is derived behind proxies.
type ClientIPConfig struct {
	TrustProxyHeaders bool     `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	TrustedProxies    []string `env:"TRUSTED_PROXIES"     envDefault:""`
}

// Prefixes parses TrustedProxies into prefixes. Bare addresses become
// single-host prefixes.
func (c *ClientIPConfig) Prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// LimitsConfig bounds the size and kind of analysis submissions.
type LimitsConfig struct {
	MaxBodyBytes      int64    `env:"LIMIT_MAX_BODY_BYTES"      envDefault:"8000000"`
	MaxTextChars      int      `env:"LIMIT_MAX_TEXT_CHARS"      envDefault:"200000"`
	MaxImageBytes     int64    `env:"LIMIT_MAX_IMAGE_BYTES"     envDefault:"4000000"`
	AllowedImageTypes []string `env:"LIMIT_ALLOWED_IMAGE_TYPES" envDefault:"image/png,image/jpeg,image/webp"`
}

// Sanitize applies guardrails to request limits.
func (l *LimitsConfig) Sanitize() {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = 8_000_000
	}
	if l.MaxTextChars <= 0 {
		l.MaxTextChars = 200_000
	}
	if l.MaxImageBytes <= 0 {
		l.MaxImageBytes = 4_000_000
	}
	if l.MaxImageBytes > l.MaxBodyBytes {
		l.MaxImageBytes = l.MaxBodyBytes
	}
	types := make([]string, 0, len(l.AllowedImageTypes))
	for _, t := range l.AllowedImageTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			types = append(types, t)
		}
	}
	l.AllowedImageTypes = types
}

// ImageTypeAllowed reports whether a content type is an accepted image type.
func (l *LimitsConfig) ImageTypeAllowed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, t := range l.AllowedImageTypes {
		if t == ct {
			return true
		}
	}
	return false
}
