package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/data"
	httpx "github.com/threat-thinker/ttserve/internal/http"
	"github.com/threat-thinker/ttserve/internal/observability/notify/pagerduty"
	"github.com/threat-thinker/ttserve/internal/observability/notify/slack"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
	"github.com/threat-thinker/ttserve/internal/service"
	"github.com/threat-thinker/ttserve/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs     *service.JobService
	Store    *data.RedisJobStore
	Limiter  *data.RedisRateLimiter // nil when rate limiting is disabled
	ClientIP *httpx.ClientIPResolver
	// Engine is built only when the worker service is enabled.
	Engine   core.AnalysisEngine
	Metrics  statsd.Sink
	Notifier *failurenotifier.Service

	metricsClient *statsd.Client
}

// Close releases resources owned by the container.
func (c ServiceContainer) Close() error {
	if c.metricsClient == nil {
		return nil
	}
	return c.metricsClient.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Clock overrides the store and limiter clock. Optional.
	Clock data.TimeProvider
}

// buildMetrics configures the StatsD sink. Failures degrade to a no-op sink.
func buildMetrics(logger *slog.Logger, cfg config.ObservabilityConfig) (statsd.Sink, *statsd.Client) {
	if !cfg.Metrics.IsEnabled() {
		return statsd.Nop{}, nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return statsd.Nop{}, nil
	}
	return client, client
}

// buildFailureNotifier registers the enabled notification sinks. A sink that
// fails to initialise is logged and skipped.
func buildFailureNotifier(
	logger *slog.Logger,
	cfg config.ObservabilityNotificationsConfig,
	sink statsd.Sink,
) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger:  baseLogger.With("component", "failure_notifier"),
			Metrics: sink,
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:  baseLogger.With("component", "failure_notifier"),
		Metrics: sink,
		Sinks:   sinks,
	})
}

// NewServices wires repositories and services from configuration.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service config is required")
	}
	if deps.RedisClient == nil {
		return ServiceContainer{}, errors.New("redis client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	sink, metricsClient := buildMetrics(logger, cfg.Observability)

	store := data.NewRedisJobStore(data.RedisJobStoreOptions{
		Client:       deps.RedisClient,
		QueueKey:     cfg.Queue.QueueKey,
		ClaimingKey:  cfg.Queue.ClaimingKey,
		RunningKey:   cfg.Queue.RunningKey,
		JobKeyPrefix: cfg.Queue.JobKeyPrefix,
		JobTTL:       cfg.Queue.JobTTL(),
		Clock:        deps.Clock,
	})

	container := ServiceContainer{
		Store:         store,
		Metrics:       sink,
		Notifier:      buildFailureNotifier(logger, cfg.Observability.Notifications, sink),
		metricsClient: metricsClient,
	}

	if cfg.RateLimit.Enabled {
		limiter, err := data.NewRedisRateLimiter(data.RedisRateLimiterOptions{
			Client:            deps.RedisClient,
			KeyPrefix:         cfg.RateLimit.KeyPrefix,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Clock:             deps.Clock,
		})
		if err != nil {
			return ServiceContainer{}, fmt.Errorf("create rate limiter: %w", err)
		}
		container.Limiter = limiter
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:        store,
		Engine:      cfg.Engine,
		Limits:      cfg.Limits,
		Logger:      logger,
		Metrics:     sink,
		RedactInput: cfg.Observability.RedactInput,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create job service: %w", err)
	}
	container.Jobs = jobs

	resolver, err := httpx.NewClientIPResolver(cfg.ClientIP)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("client ip config: %w", err)
	}
	container.ClientIP = resolver

	if cfg.IsWorkerEnabled() {
		engine, err := BuildEngine(cfg.Engine, logger)
		if err != nil {
			return ServiceContainer{}, err
		}
		container.Engine = engine
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// Signals overrides the OS signal channel; used by tests.
	Signals <-chan os.Signal
}

const (
	// shutdownWaitTimeout is the minimum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) (*http.Server, error) {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil, nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "worker pool",
		start: func(ctx context.Context) error {
			appCfg := deps.cfg.Config
			return RunWorkerPool(ctx, WorkerPoolConfig{
				Queue:    deps.cfg.Services.Store,
				Engine:   deps.cfg.Services.Engine,
				Worker:   appCfg.Worker,
				Timeouts: appCfg.Timeouts,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Metrics,
				Notifier: deps.cfg.Services.Notifier,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				Repo:      deps.cfg.Services.Store,
				Depth:     deps.cfg.Services.Store,
				Logger:    deps.logger,
				Config:    deps.cfg.Config.Reaper,
				Heartbeat: deps.cfg.Config.Worker.HeartbeatInterval,
				Metrics:   deps.cfg.Services.Metrics,
				Notifier:  deps.cfg.Services.Notifier,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil || deps.cfg == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) (ServiceStartupResult, error) {
	server, err := startHTTPServerIfEnabled(deps)
	if err != nil {
		return ServiceStartupResult{}, err
	}
	return ServiceStartupResult{
		HTTPServer: server,
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}, nil
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	quit := cfg.Signals
	if quit == nil {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		quit = sig
	}

	// Start all enabled services
	result, err := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})
	if err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		quit:        quit,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
		waitTimeout: serviceWaitTimeout(cfg.Config),
	})
}

// serviceWaitTimeout leaves in-flight analyses time to finish after shutdown.
func serviceWaitTimeout(cfg *config.AppConfig) time.Duration {
	wait := cfg.Timeouts.Analyze() + 5*time.Second
	if wait < shutdownWaitTimeout {
		return shutdownWaitTimeout
	}
	return wait
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	quit        <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	waitTimeout time.Duration
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case <-cfg.quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops admissions first, then lets background services drain.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
		cancel()
	}

	cfg.cancel()

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.waitTimeout, cfg.logger)
	}

	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, timeout time.Duration, logger *slog.Logger) {
	if done == nil {
		return
	}
	if timeout <= 0 {
		timeout = shutdownWaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-timer.C:
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
