package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threat-thinker/ttserve/config"
	apperrors "github.com/threat-thinker/ttserve/internal/errors"
)

func bearerAuth(keys ...string) config.AuthConfig {
	return config.AuthConfig{
		Mode:       config.AuthModeAPIKey,
		Scheme:     config.AuthSchemeBearer,
		HeaderName: "Authorization",
		APIKeys:    keys,
	}
}

func TestAPIKeyAuthenticator_Authenticate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.AuthConfig
		header   string
		value    string
		wantKey  string
		wantCode apperrors.ErrorCode
	}{
		{
			name:    "valid bearer",
			cfg:     bearerAuth("k1", "k2"),
			header:  "Authorization",
			value:   "Bearer k2",
			wantKey: "k2",
		},
		{
			name:    "bearer prefix is case insensitive",
			cfg:     bearerAuth("k1"),
			header:  "Authorization",
			value:   "bearer   k1 ",
			wantKey: "k1",
		},
		{
			name:     "missing header",
			cfg:      bearerAuth("k1"),
			wantCode: apperrors.ErrCodeUnauthorized,
		},
		{
			name:     "wrong scheme",
			cfg:      bearerAuth("k1"),
			header:   "Authorization",
			value:    "Basic k1",
			wantCode: apperrors.ErrCodeUnauthorized,
		},
		{
			name:     "empty bearer token",
			cfg:      bearerAuth("k1"),
			header:   "Authorization",
			value:    "Bearer ",
			wantCode: apperrors.ErrCodeUnauthorized,
		},
		{
			name:     "unknown key",
			cfg:      bearerAuth("k1"),
			header:   "Authorization",
			value:    "Bearer k3",
			wantCode: apperrors.ErrCodeForbidden,
		},
		{
			name: "raw header scheme",
			cfg: config.AuthConfig{
				Mode:       config.AuthModeAPIKey,
				Scheme:     config.AuthSchemeHeader,
				HeaderName: "X-API-Key",
				APIKeys:    []string{"k1"},
			},
			header:  "X-API-Key",
			value:   " k1 ",
			wantKey: "k1",
		},
		{
			name: "header scheme ignores other headers",
			cfg: config.AuthConfig{
				Mode:       config.AuthModeAPIKey,
				Scheme:     config.AuthSchemeHeader,
				HeaderName: "X-API-Key",
				APIKeys:    []string{"k1"},
			},
			header:   "Authorization",
			value:    "Bearer k1",
			wantCode: apperrors.ErrCodeUnauthorized,
		},
		{
			name:   "disabled",
			cfg:    config.AuthConfig{Mode: config.AuthModeNone},
			header: "Authorization",
			value:  "Bearer whatever",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}

			key, err := NewAPIKeyAuthenticator(tt.cfg).Authenticate(req)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestRequireAPIKey_StoresKeyInContext(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = APIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequireAPIKey(NewAPIKeyAuthenticator(bearerAuth("k1")))(next)

	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req.Header.Set("Authorization", "Bearer k1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "k1", seen)
}

func TestRequireAPIKey_Rejections(t *testing.T) {
	handler := RequireAPIKey(NewAPIKeyAuthenticator(bearerAuth("k1")))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run for rejected requests")
		}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"error":"unauthorized","message":"Missing or invalid API key."}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden","message":"Unauthorized API key."}`, rec.Body.String())
}
