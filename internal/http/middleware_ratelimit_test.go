package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/mocks"
)

func TestScopeKey(t *testing.T) {
	assert.Equal(t, "ip:203.0.113.9", ScopeKey(config.RateLimitScopeIP, "203.0.113.9", "k1"))
	assert.Equal(t, "api_key:k1", ScopeKey(config.RateLimitScopeAPIKey, "203.0.113.9", "k1"))
	assert.Equal(t, "ip:203.0.113.9", ScopeKey(config.RateLimitScopeAPIKey, "203.0.113.9", ""))
	assert.Equal(t, "ip:unknown", ScopeKey(config.RateLimitScopeIP, "", ""))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_UsesAPIKeyScope(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)
	limiter.EXPECT().Allow(gomock.Any(), "api_key:k1").Return(true, nil)

	handler := RateLimit(RateLimitOptions{
		Limiter: limiter,
		Config:  config.RateLimitConfig{Enabled: true, Scope: config.RateLimitScopeAPIKey},
	})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	req = req.WithContext(SetAPIKeyInContext(req.Context(), "k1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_UsesResolvedClientIP(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)
	limiter.EXPECT().Allow(gomock.Any(), "ip:203.0.113.9").Return(true, nil)

	resolver, err := NewClientIPResolver(config.ClientIPConfig{TrustProxyHeaders: true})
	assert.NoError(t, err)
	handler := RateLimit(RateLimitOptions{
		Limiter:  limiter,
		Config:   config.RateLimitConfig{Enabled: true, Scope: config.RateLimitScopeIP},
		ClientIP: resolver,
	})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/analyze", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_Rejects(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)
	limiter.EXPECT().Allow(gomock.Any(), "ip:192.0.2.1").Return(false, nil)

	handler := RateLimit(RateLimitOptions{
		Limiter: limiter,
		Config:  config.RateLimitConfig{Enabled: true, Scope: config.RateLimitScopeIP},
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limited","message":"Rate limit exceeded."}`, rec.Body.String())
}

func TestRateLimit_FailsClosedOnLimiterError(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)
	limiter.EXPECT().Allow(gomock.Any(), gomock.Any()).Return(false, errors.New("connection refused"))

	handler := RateLimit(RateLimitOptions{
		Limiter: limiter,
		Config:  config.RateLimitConfig{Enabled: true, Scope: config.RateLimitScopeIP},
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"unavailable","message":"Rate limiter unavailable."}`, rec.Body.String())
}

func TestRateLimit_DisabledSkipsLimiter(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockRateLimiter(ctrl)

	handler := RateLimit(RateLimitOptions{
		Limiter: limiter,
		Config:  config.RateLimitConfig{Enabled: false},
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
