// Package reaper runs the stale job reaper alongside a queue depth sampler.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
	"github.com/threat-thinker/ttserve/internal/service"
)

// DepthReader reports how many job ids are waiting in the queue.
type DepthReader interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// Runner drives the reaper loop and, when a DepthReader is configured,
// publishes the queue depth on the same interval.
type Runner struct {
	reaper   *service.ReaperService
	depth    DepthReader
	interval time.Duration
	metrics  statsd.Sink
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo   core.ReaperRepository
	Config config.ReaperConfig
	// Heartbeat is the worker heartbeat interval the lease policy is built from.
	Heartbeat time.Duration
	Logger    *slog.Logger
	Metrics   statsd.Sink
	Notifier  core.FailureNotifier
	// Depth is optional; without it or Metrics no gauge is published.
	Depth DepthReader
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:      opts.Repo,
		Config:    opts.Config,
		Heartbeat: opts.Heartbeat,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Notifier:  opts.Notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:   reaper,
		depth:    opts.Depth,
		interval: opts.Config.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Repo == nil {
		return errors.New("reaper repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run blocks until ctx is cancelled or the reaper fails.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner", "sample_depth", r.samplesDepth())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.reaper.Run(gctx) })
	if r.samplesDepth() {
		g.Go(func() error {
			r.sampleDepth(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) samplesDepth() bool {
	return r.depth != nil && r.metrics != nil && r.interval > 0
}

func (r *Runner) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		depth, err := r.depth.QueueDepth(ctx)
		switch {
		case err == nil:
			metrics.EmitQueueDepth(r.metrics, depth)
		case ctx.Err() == nil:
			r.logger.WarnContext(ctx, "queue depth sample failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
