package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/data"
	"github.com/threat-thinker/ttserve/internal/domain/job"
	obserrors "github.com/threat-thinker/ttserve/internal/observability/errors"
	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/notify"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
	// Heartbeat is the worker heartbeat interval. Defaults to a third of the
	// visibility timeout.
	Heartbeat time.Duration
	// Notifier is optional; it hears about abandoned jobs.
	Notifier core.FailureNotifier
	Now      func() time.Time // Optional: clock override for tests
}

// ReaperService returns running jobs whose worker stopped heartbeating to the
// queue, and fails the ones that keep being reclaimed.
type ReaperService struct {
	repo     core.ReaperRepository
	config   config.ReaperConfig
	policy   *job.LeasePolicy
	logger   *slog.Logger
	metrics  statsd.Sink
	notifier core.FailureNotifier
	now      func() time.Time
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = opts.Config.VisibilityTimeout / 3
	}
	policy, err := job.NewLeasePolicy(heartbeat, opts.Config.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("lease policy: %w", err)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"heartbeat", policy.Heartbeat(),
			"visibility_timeout", policy.Visibility(),
			"batch_size", opts.Config.BatchSize,
			"max_requeues", opts.Config.MaxRequeues,
		)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ReaperService{
		repo:     opts.Repo,
		config:   opts.Config,
		policy:   policy,
		logger:   logger,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      now,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Spread instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// Sweep runs reclaim passes until a pass comes back short of the batch size,
// and returns the combined outcome.
func (s *ReaperService) Sweep(ctx context.Context) (*core.RequeueStaleResult, error) {
	start := time.Now()
	total := &core.RequeueStaleResult{}

	params := core.RequeueStaleParams{
		StaleBefore: s.policy.StaleBefore(s.now()),
		Limit:       s.config.BatchSize,
		MaxRequeues: s.config.MaxRequeues,
	}

	var sweepErr error
	for {
		res, err := s.repo.RequeueStale(ctx, params)
		if res != nil {
			total.Requeued = append(total.Requeued, res.Requeued...)
			total.Abandoned = append(total.Abandoned, res.Abandoned...)
		}
		if err != nil {
			sweepErr = fmt.Errorf("requeue stale jobs: %w", err)
			break
		}
		if res == nil || len(res.Requeued)+len(res.Abandoned) < params.Limit {
			break
		}
		if ctx.Err() != nil {
			sweepErr = ctx.Err()
			break
		}
	}

	s.logSweep(ctx, total)
	s.emitSweepMetrics(total, sweepErr, time.Since(start))
	s.notifyAbandoned(ctx, total.Abandoned)

	if sweepErr != nil && isContextCancellation(sweepErr) && ctx.Err() != nil {
		return total, context.Canceled
	}
	return total, sweepErr
}

func (s *ReaperService) logSweep(ctx context.Context, res *core.RequeueStaleResult) {
	if s.logger == nil {
		return
	}
	for _, id := range res.Requeued {
		s.logger.WarnContext(ctx, "requeued stale job", "job_id", id)
	}
	for _, id := range res.Abandoned {
		s.logger.ErrorContext(ctx, "abandoned stale job",
			"job_id", id,
			"max_requeues", s.config.MaxRequeues,
		)
	}
}

func (s *ReaperService) notifyAbandoned(ctx context.Context, ids []string) {
	if s.notifier == nil {
		return
	}
	for _, id := range ids {
		s.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
			JobID:      id,
			Stage:      notify.StageReaper,
			Error:      data.AbandonedJobMessage,
			ErrorClass: "abandoned",
			Severity:   notify.SeverityCritical,
			OccurredAt: s.now(),
			Metadata:   map[string]string{"max_requeues": fmt.Sprintf("%d", s.config.MaxRequeues)},
		})
	}
}

func (s *ReaperService) emitSweepMetrics(res *core.RequeueStaleResult, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	for range res.Requeued {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionRequeue,
			Result:     metrics.ResultSuccess,
		})
	}
	for range res.Abandoned {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionAbandon,
			Result:     metrics.ResultError,
		})
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil && !isContextCancellation(err):
		result = metrics.ResultError
	case len(res.Requeued)+len(res.Abandoned) == 0:
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if result == metrics.ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
	if result != metrics.ResultError {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
