package httpx

import (
	"log/slog"
	"net/http"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	apperrors "github.com/threat-thinker/ttserve/internal/errors"
	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// Client-facing rate limit messages.
const (
	MsgRateLimited         = "Rate limit exceeded."
	MsgRateLimiterDegraded = "Rate limiter unavailable."
)

// RateLimitOptions groups dependencies for the RateLimit middleware.
type RateLimitOptions struct {
	Limiter  core.RateLimiter
	Config   config.RateLimitConfig
	ClientIP *ClientIPResolver
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// ScopeKey picks the window identity: the API key under api_key scope when
// one was presented, otherwise the client IP.
func ScopeKey(scope config.RateLimitScope, clientIP, apiKey string) string {
	if scope == config.RateLimitScopeAPIKey && apiKey != "" {
		return "api_key:" + apiKey
	}
	if clientIP == "" {
		clientIP = "unknown"
	}
	return "ip:" + clientIP
}

// RateLimit returns a middleware that admits at most the configured number of
// requests per scope per minute. A limiter error fails closed with 503.
func RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !opts.Config.Enabled || opts.Limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, _ := APIKeyFromContext(r.Context())
			key := ScopeKey(opts.Config.Scope, opts.ClientIP.Resolve(r), apiKey)

			allowed, err := opts.Limiter.Allow(r.Context(), key)
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.ErrorContext(r.Context(), "rate limiter check failed",
						"error", err,
						"request_id", RequestIDFromContext(r.Context()),
					)
				}
				metrics.EmitAdmission(opts.Metrics, metrics.ResultError, "rate_limiter")
				WriteAppError(w, apperrors.Unavailable(err, MsgRateLimiterDegraded))
				return
			}
			if !allowed {
				metrics.EmitAdmission(opts.Metrics, metrics.ResultRejected, "rate_limited")
				w.Header().Set("Retry-After", "60")
				WriteAppError(w, apperrors.RateLimited(MsgRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
