package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/adapters/reaper"
	"github.com/threat-thinker/ttserve/internal/adapters/workerpool"
	"github.com/threat-thinker/ttserve/internal/analysis"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// BuildEngine selects the analysis engine named by cfg.Mode.
//
//nolint:ireturn // the engine implementation is chosen at runtime.
func BuildEngine(cfg config.EngineConfig, logger *slog.Logger) (core.AnalysisEngine, error) {
	switch cfg.Mode {
	case config.EngineModeEcho:
		return analysis.NewEchoEngine(cfg.AllowedInputs, 0), nil
	case config.EngineModeHTTP, "":
		engine, err := analysis.NewHTTPEngine(analysis.HTTPEngineConfig{
			URL:      cfg.URL,
			Provider: cfg.Provider,
			Model:    cfg.Model,
			Preflight: analysis.Preflight{
				Provider:      cfg.Provider,
				AllowedInputs: cfg.AllowedInputs,
				Logger:        logger,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create http engine: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// WorkerPoolConfig contains configuration for the analysis worker pool.
type WorkerPoolConfig struct {
	Queue    core.WorkQueue
	Engine   core.AnalysisEngine
	Worker   config.WorkerConfig
	Timeouts config.TimeoutConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
	Notifier core.FailureNotifier
}

// RunWorkerPool starts the worker pool and blocks until ctx is cancelled.
func RunWorkerPool(ctx context.Context, cfg WorkerPoolConfig) error {
	pool, err := workerpool.New(workerpool.Options{
		Queue:             cfg.Queue,
		Engine:            cfg.Engine,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		Notifier:          cfg.Notifier,
		MaxInFlight:       cfg.Worker.MaxInFlight,
		DequeueTimeout:    cfg.Worker.DequeueTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		AnalyzeTimeout:    cfg.Timeouts.Analyze(),
		ErrorBackoff:      cfg.Worker.ErrorBackoff,
	})
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	return pool.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	Repo      core.ReaperRepository
	Depth     reaper.DepthReader
	Logger    *slog.Logger
	Config    config.ReaperConfig
	Heartbeat time.Duration
	Metrics   statsd.Sink
	Notifier  core.FailureNotifier
}

// RunReaper runs the reaper until ctx is cancelled.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:      cfg.Repo,
		Depth:     cfg.Depth,
		Config:    cfg.Config,
		Heartbeat: cfg.Heartbeat,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
		Notifier:  cfg.Notifier,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
