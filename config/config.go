package config

import (
	"errors"
	"fmt"

	"github.com/threat-thinker/ttserve/internal/domain/job"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: API key authentication
//   - database.go: Redis connection and job key layout
//   - engine.go: analysis engine and execution deadline
//   - http.go: HTTP server configuration
//   - security.go: rate limiting, client IP resolution and request limits
//   - services.go: service modes, worker pool and reaper configuration
type AppConfig struct {
	// Backing store configuration
	Redis RedisConfig `envPrefix:"REDIS_"`
	Queue QueueConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration: comma list of http, worker, reaper
	Services string `env:"SERVICES" envDefault:"http"`

	Auth      AuthConfig
	RateLimit RateLimitConfig
	ClientIP  ClientIPConfig
	Limits    LimitsConfig

	Engine   EngineConfig
	Timeouts TimeoutConfig
	Worker   WorkerConfig
	Reaper   ReaperConfig

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Queue.Sanitize()
	c.HTTP.Sanitize()
	c.Auth.Sanitize()
	c.RateLimit.Sanitize()
	c.Limits.Sanitize()
	c.Engine.Sanitize()
	c.Timeouts.Sanitize()
	c.Worker.Sanitize()
	c.Reaper.Sanitize(c.Worker.HeartbeatInterval)
	c.Observability.Sanitize()
}

// Validate reports settings that cannot be clamped into a working state.
func (c *AppConfig) Validate() error {
	var errs []error

	if _, err := c.GetEnabledServices(); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	if c.IsHTTPServerEnabled() {
		if err := c.Auth.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, err := c.ClientIP.Prefixes(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.IsWorkerEnabled() && c.Engine.Mode == EngineModeHTTP && c.Engine.URL == "" {
		errs = append(errs, errors.New("engine mode http requires ENGINE_URL"))
	}
	if c.IsReaperEnabled() {
		if _, err := job.NewLeasePolicy(c.Worker.HeartbeatInterval, c.Reaper.VisibilityTimeout); err != nil {
			errs = append(errs, fmt.Errorf("reaper: %w", err))
		}
	}

	return errors.Join(errs...)
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsWorkerEnabled returns true if the worker pool service is enabled.
func (c *AppConfig) IsWorkerEnabled() bool {
	return c.serviceEnabled(ServiceModeWorker)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}
