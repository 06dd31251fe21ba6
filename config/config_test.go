package config

import (
	"log/slog"
	"net/netip"
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threat-thinker/ttserve/internal/domain/job"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:  "all services with spaces",
			input: " http , worker , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeWorker: true,
				ServiceModeReaper: true,
			},
		},
		{
			name:     "duplicate services",
			input:    "worker,worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "http,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Fatalf("ParseServices(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "tt:queue", cfg.Queue.QueueKey)
	assert.Equal(t, "tt:running", cfg.Queue.RunningKey)
	assert.Equal(t, "tt:claiming", cfg.Queue.ClaimingKey)
	assert.Equal(t, "tt:job", cfg.Queue.JobKeyPrefix)
	assert.Equal(t, 900*time.Second, cfg.Queue.JobTTL())
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Analyze())
	assert.Equal(t, 1, cfg.Worker.MaxInFlight)
	assert.Equal(t, 5*time.Second, cfg.Worker.DequeueTimeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, RateLimitScopeIP, cfg.RateLimit.Scope)
	assert.Equal(t, AuthModeAPIKey, cfg.Auth.Mode)
	assert.Equal(t, AuthSchemeBearer, cfg.Auth.Scheme)
	assert.Equal(t, "Authorization", cfg.Auth.HeaderName)
	assert.Equal(t, int64(8_000_000), cfg.Limits.MaxBodyBytes)
	assert.Equal(t, 200_000, cfg.Limits.MaxTextChars)
	assert.Equal(t, int64(4_000_000), cfg.Limits.MaxImageBytes)
	assert.Equal(t, []string{"image/png", "image/jpeg", "image/webp"}, cfg.Limits.AllowedImageTypes)
	assert.Equal(t, []string{"mermaid", "drawio", "threat-dragon", "image"}, cfg.Engine.AllowedInputs)
	assert.Equal(t, "gpt-4.1-mini", cfg.Engine.Model)
	assert.True(t, cfg.IsHTTPServerEnabled())
	assert.False(t, cfg.IsWorkerEnabled())
}

func TestAppConfig_ParseFromEnv(t *testing.T) {
	t.Setenv("SERVICES", "worker,reaper")
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("QUEUE_KEY", "{tt}:queue")
	t.Setenv("RUNNING_KEY", " {tt}:running ")
	t.Setenv("JOB_KEY_PREFIX", "{tt}:job:")
	t.Setenv("WORKER_MAX_IN_FLIGHT", "4")
	t.Setenv("TIMEOUT_ANALYZE_SECONDS", "30")
	t.Setenv("RATE_LIMIT_SCOPE", "API_KEY")
	t.Setenv("ENGINE_ALLOWED_INPUTS", "mermaid, threat_dragon")

	var cfg AppConfig
	require.NoError(t, env.Parse(&cfg))
	cfg.Sanitize()

	assert.Equal(t, "redis://cache:6380/2", cfg.Redis.URL)
	assert.Equal(t, "{tt}:queue", cfg.Queue.QueueKey)
	assert.Equal(t, "{tt}:running", cfg.Queue.RunningKey)
	assert.Equal(t, "{tt}:job", cfg.Queue.JobKeyPrefix)
	assert.Equal(t, 4, cfg.Worker.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Analyze())
	assert.Equal(t, RateLimitScopeAPIKey, cfg.RateLimit.Scope)
	assert.Equal(t, []string{"mermaid", "threat-dragon"}, cfg.Engine.AllowedInputs)
	assert.True(t, cfg.IsWorkerEnabled())
	assert.True(t, cfg.IsReaperEnabled())
	assert.False(t, cfg.IsHTTPServerEnabled())
}

func TestAppConfig_InvalidEnumRejected(t *testing.T) {
	t.Setenv("AUTH_MODE", "oauth")

	var cfg AppConfig
	err := env.Parse(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid AuthMode")
}

func TestAuthConfig_SanitizeMergesKeys(t *testing.T) {
	t.Setenv("SERVE_API_KEY", "solo")

	a := AuthConfig{Mode: AuthModeAPIKey, APIKeys: []string{" k1 ", "", "k2", "k1"}}
	a.Sanitize()

	assert.Equal(t, []string{"k1", "k2", "solo"}, a.APIKeys)
	assert.Equal(t, "Authorization", a.HeaderName)
	assert.NoError(t, a.Validate())
}

func TestAppConfig_Validate(t *testing.T) {
	t.Run("api_key mode without keys", func(t *testing.T) {
		cfg := AppConfig{Services: "http", Auth: AuthConfig{Mode: AuthModeAPIKey}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SERVE_API_KEYS")
	})

	t.Run("api_key mode ignored for worker only", func(t *testing.T) {
		cfg := AppConfig{
			Services: "worker",
			Auth:     AuthConfig{Mode: AuthModeAPIKey},
			Engine:   EngineConfig{Mode: EngineModeEcho},
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad trusted proxy", func(t *testing.T) {
		cfg := AppConfig{
			Services: "http",
			Auth:     AuthConfig{Mode: AuthModeNone},
			ClientIP: ClientIPConfig{TrustedProxies: []string{"not-an-ip"}},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("http engine without url", func(t *testing.T) {
		cfg := AppConfig{Services: "worker", Engine: EngineConfig{Mode: EngineModeHTTP}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("invalid services", func(t *testing.T) {
		cfg := AppConfig{Services: "nope"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("reaper visibility not above heartbeat", func(t *testing.T) {
		cfg := AppConfig{
			Services: "reaper",
			Worker:   WorkerConfig{HeartbeatInterval: 10 * time.Second},
			Reaper:   ReaperConfig{Interval: time.Second, VisibilityTimeout: 5 * time.Second},
		}
		err := cfg.Validate()
		require.ErrorIs(t, err, job.ErrVisibilityTooShort)

		cfg.Sanitize()
		assert.NoError(t, cfg.Validate())
	})
}

func TestReaperConfig_SanitizeKeepsVisibilityAboveHeartbeat(t *testing.T) {
	r := ReaperConfig{Interval: 0, VisibilityTimeout: 5 * time.Second, BatchSize: 0}
	r.Sanitize(10 * time.Second)

	assert.Equal(t, time.Second, r.Interval)
	assert.Equal(t, 30*time.Second, r.VisibilityTimeout)
	assert.Equal(t, 1, r.BatchSize)
}

func TestClientIPConfig_Prefixes(t *testing.T) {
	c := ClientIPConfig{TrustedProxies: []string{"10.0.0.0/8", " 192.168.1.7 ", "", "::1"}}
	got, err := c.Prefixes()
	require.NoError(t, err)

	want := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
		netip.MustParsePrefix("::1/128"),
	}
	assert.Equal(t, want, got)
}

func TestLimitsConfig_ImageTypeAllowed(t *testing.T) {
	l := LimitsConfig{AllowedImageTypes: []string{"Image/PNG", "image/webp"}}
	l.Sanitize()

	assert.True(t, l.ImageTypeAllowed("image/png"))
	assert.True(t, l.ImageTypeAllowed("image/webp; charset=binary"))
	assert.False(t, l.ImageTypeAllowed("image/gif"))
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "   ",
			Username:   " ",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "",
		},
	}
	cfg.Sanitize()

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Zero(t, cfg.RetryLimit)
	assert.False(t, cfg.Slack.Enabled, "slack needs a webhook url")
	assert.False(t, cfg.PagerDuty.Enabled, "pagerduty needs a routing key")
	assert.Equal(t, "ttserve", cfg.Slack.Username)
	assert.Equal(t, "ttserve", cfg.PagerDuty.Source)
	assert.Equal(t, "worker", cfg.PagerDuty.Component)

	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "key",
		},
	}
	cfg.Sanitize()
	assert.False(t, cfg.Slack.Enabled, "top-level switch disables slack")
	assert.False(t, cfg.PagerDuty.Enabled, "top-level switch disables pagerduty")
}

func TestObservabilityConfig_SanitizeLogging(t *testing.T) {
	tests := []struct {
		in        ObservabilityConfig
		wantLevel slog.Level
		wantFmt   string
	}{
		{in: ObservabilityConfig{LogLevel: " DEBUG ", LogFormat: "TEXT"}, wantLevel: slog.LevelDebug, wantFmt: LogFormatText},
		{in: ObservabilityConfig{LogLevel: "warning", LogFormat: "json"}, wantLevel: slog.LevelWarn, wantFmt: LogFormatJSON},
		{in: ObservabilityConfig{LogLevel: "loud", LogFormat: "xml"}, wantLevel: slog.LevelInfo, wantFmt: LogFormatJSON},
	}

	for _, tt := range tests {
		cfg := tt.in
		cfg.Sanitize()
		assert.Equal(t, tt.wantLevel, cfg.SlogLevel())
		assert.Equal(t, tt.wantFmt, cfg.LogFormat)
	}
}
