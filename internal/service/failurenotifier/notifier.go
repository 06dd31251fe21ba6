// Package failurenotifier fans job failure alerts out to the configured sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/notify"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

const defaultTimeout = 30 * time.Second

// SinkRegistration names a sink for logs and metrics.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
	// Timeout bounds one fan-out across all sinks. Defaults to 30s.
	Timeout time.Duration
}

// Service delivers each failure to every registered sink.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
	timeout time.Duration
	now     func() time.Time
}

// NewService constructs a failure notifier. Nil sinks are dropped.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Service{
		logger:  logger,
		metrics: opts.Metrics,
		sinks:   sinks,
		timeout: timeout,
		now:     time.Now,
	}
}

// NotifyJobFailure sends payload to all sinks concurrently and waits for
// them. Delivery outlives caller cancellation up to the service timeout so
// a shutting-down worker still reports the job it just failed. Errors are
// logged, never returned. A nil Service is a no-op.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	payload = payload.Normalize(s.now())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var g errgroup.Group
	for _, entry := range s.sinks {
		g.Go(func() error {
			s.deliver(ctx, entry, payload)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) deliver(ctx context.Context, entry SinkRegistration, payload notify.JobFailurePayload) {
	if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
		metrics.EmitNotification(s.metrics, entry.Name, metrics.ResultError)
		s.logger.ErrorContext(ctx, "failure notification not delivered",
			"sink", entry.Name,
			"job_id", payload.JobID,
			"stage", payload.Stage,
			"error", err,
		)
		return
	}
	metrics.EmitNotification(s.metrics, entry.Name, metrics.ResultSuccess)
	s.logger.DebugContext(ctx, "failure notification delivered", "sink", entry.Name, "job_id", payload.JobID)
}

// Enabled reports whether any sink is registered.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
