// Package workerpool runs queued analysis jobs with a fixed number of
// concurrent slots per process.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/threat-thinker/ttserve/internal/analysis"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/data"
	"github.com/threat-thinker/ttserve/internal/domain/model"
	obserrors "github.com/threat-thinker/ttserve/internal/observability/errors"
	"github.com/threat-thinker/ttserve/internal/observability/metrics"
	"github.com/threat-thinker/ttserve/internal/observability/notify"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// Messages recorded on failed jobs.
const (
	MsgPayloadMissing   = "Job payload missing or expired."
	MsgAnalysisTimedOut = "Analysis timed out."
	unhandledPrefix     = "Unhandled error: "
)

var (
	// ErrAnalysisTimeout is returned when the engine outlives the analyze deadline.
	ErrAnalysisTimeout = errors.New("analysis timed out")

	errLeaseLost = errors.New("job lease lost")
)

// Options configures a Pool.
type Options struct {
	Queue  core.WorkQueue      // Required: consumer view of the job store
	Engine core.AnalysisEngine // Required: analysis engine
	Logger *slog.Logger
	// Metrics is optional; a nil sink disables emission.
	Metrics statsd.Sink
	// Notifier is optional; it hears about timeouts and crashes.
	Notifier core.FailureNotifier

	// WorkerID prefixes owner tokens. Defaults to hostname:pid.
	WorkerID string

	MaxInFlight       int           // concurrent jobs; defaults to 1
	DequeueTimeout    time.Duration // blocking pop bound; defaults to 5s
	HeartbeatInterval time.Duration // lease refresh; defaults to 10s
	AnalyzeTimeout    time.Duration // per-job deadline; defaults to 90s
	ErrorBackoff      time.Duration // spacing between retries after store errors; defaults to 1s
}

// Pool pulls job ids from the queue and runs each in its own slot. A slot is
// taken before dequeuing, so a full pool never pops more work than it can run.
type Pool struct {
	queue  core.WorkQueue
	engine core.AnalysisEngine
	logger *slog.Logger

	metrics  statsd.Sink
	notifier core.FailureNotifier

	workerID          string
	capacity          int
	dequeueTimeout    time.Duration
	heartbeatInterval time.Duration
	analyzeTimeout    time.Duration

	slots   *semaphore.Weighted
	inUse   atomic.Int64
	backoff *rate.Limiter
	wg      sync.WaitGroup
}

// New validates options and constructs a Pool.
func New(opts Options) (*Pool, error) {
	if opts.Queue == nil {
		return nil, errors.New("work queue is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("analysis engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	capacity := max(opts.MaxInFlight, 1)
	dequeueTimeout := durationOr(opts.DequeueTimeout, 5*time.Second)
	heartbeat := durationOr(opts.HeartbeatInterval, 10*time.Second)
	analyzeTimeout := durationOr(opts.AnalyzeTimeout, 90*time.Second)
	backoff := durationOr(opts.ErrorBackoff, time.Second)

	return &Pool{
		queue:             opts.Queue,
		engine:            opts.Engine,
		logger:            logger.With("component", "worker_pool", "worker_id", workerID),
		metrics:           opts.Metrics,
		notifier:          opts.Notifier,
		workerID:          workerID,
		capacity:          capacity,
		dequeueTimeout:    dequeueTimeout,
		heartbeatInterval: heartbeat,
		analyzeTimeout:    analyzeTimeout,
		slots:             semaphore.NewWeighted(int64(capacity)),
		backoff:           rate.NewLimiter(rate.Every(backoff), 1),
	}, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Run dequeues and executes jobs until ctx is cancelled, then waits for
// in-flight jobs to finish. Jobs already started are not cut short by
// shutdown; their own deadline still applies.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting worker pool",
		"max_in_flight", p.capacity,
		"analyze_timeout", p.analyzeTimeout,
		"heartbeat_interval", p.heartbeatInterval,
	)

	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			break
		}
		p.slotTaken()

		id, owner, ok := p.claim(ctx)
		if !ok {
			p.slotReleased()
			if ctx.Err() != nil {
				break
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.slotReleased()
			p.process(ctx, id, owner)
		}()
	}

	p.logger.InfoContext(ctx, "worker pool draining", "in_flight", p.inUse.Load())
	p.wg.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped")

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (p *Pool) slotTaken() {
	metrics.EmitSlotsInUse(p.metrics, int(p.inUse.Add(1)), p.capacity)
}

func (p *Pool) slotReleased() {
	metrics.EmitSlotsInUse(p.metrics, int(p.inUse.Add(-1)), p.capacity)
	p.slots.Release(1)
}

// claim pops one id and takes ownership of it.
func (p *Pool) claim(ctx context.Context) (string, string, bool) {
	id, err := p.queue.Dequeue(ctx, p.dequeueTimeout)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNoJobAvailable):
		case ctx.Err() != nil:
		default:
			p.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			p.waitBackoff(ctx)
		}
		return "", "", false
	}

	// The id is already on the claiming list; finish the claim even if
	// shutdown began. A claim that fails here is requeued by the reaper.
	owner := p.workerID + ":" + uuid.NewString()
	if err := p.queue.MarkRunning(context.WithoutCancel(ctx), id, owner); err != nil {
		switch {
		case errors.Is(err, data.ErrJobNotFound), errors.Is(err, data.ErrInvalidTransition):
			p.logger.WarnContext(ctx, "skipping dequeued job", "job_id", id, "reason", err)
		default:
			p.logger.ErrorContext(ctx, "mark running failed", "job_id", id, "error", err)
			p.waitBackoff(ctx)
		}
		return "", "", false
	}
	return id, owner, true
}

func (p *Pool) waitBackoff(ctx context.Context) {
	if err := p.backoff.Wait(ctx); err != nil && ctx.Err() == nil {
		p.logger.WarnContext(ctx, "backoff wait failed", "error", err)
	}
}

func (p *Pool) process(parent context.Context, id, owner string) {
	ctx := context.WithoutCancel(parent)
	logger := p.logger.With("job_id", id)
	start := time.Now()

	req, err := p.queue.LoadPayload(ctx, id)
	if err != nil {
		// The lease lapses and the reaper returns the job to the queue.
		logger.ErrorContext(ctx, "load payload failed", "error", err)
		return
	}
	if req == nil {
		p.finishFailed(ctx, logger, id, owner, MsgPayloadMissing)
		p.emit("", metrics.ResultError, time.Since(start), errors.New("payload missing"))
		return
	}

	inputType := string(req.Input.Type)
	metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
		InputType:  inputType,
		Transition: metrics.TransitionStart,
		Result:     metrics.ResultSuccess,
	})
	logger.InfoContext(ctx, "job started", "input_type", inputType, "owner", owner)

	leaseCtx, loseLease := context.WithCancelCause(ctx)
	defer loseLease(nil)
	stopHeartbeat := p.startHeartbeat(leaseCtx, logger, id, owner, loseLease)

	outcome, runErr := p.analyze(leaseCtx, logger, req)
	stopHeartbeat()

	if errors.Is(context.Cause(leaseCtx), errLeaseLost) {
		logger.WarnContext(ctx, "lease lost, discarding outcome", "error", runErr)
		p.emit(inputType, metrics.ResultNoop, time.Since(start), nil)
		return
	}

	elapsed := time.Since(start)
	switch {
	case runErr == nil:
		p.finishSucceeded(ctx, logger, id, owner, outcome, elapsed)
		p.emit(inputType, metrics.ResultSuccess, elapsed, nil)
	case errors.Is(runErr, ErrAnalysisTimeout):
		logger.WarnContext(ctx, "analysis timed out", "timeout", p.analyzeTimeout)
		if p.finishFailed(ctx, logger, id, owner, MsgAnalysisTimedOut) {
			p.notify(ctx, id, inputType, MsgAnalysisTimedOut, "timeout")
		}
		p.emit(inputType, metrics.ResultTimeout, elapsed, runErr)
	default:
		msg := failureMessage(runErr)
		_, declared := analysis.AsError(runErr)
		if declared {
			logger.InfoContext(ctx, "analysis failed", "message", msg)
		} else {
			attrs := []any{"error", runErr}
			var pe *PanicError
			if errors.As(runErr, &pe) {
				attrs = append(attrs, "stack", string(pe.Stack))
			}
			logger.ErrorContext(ctx, "analysis crashed", attrs...)
		}
		if p.finishFailed(ctx, logger, id, owner, msg) && !declared {
			p.notify(ctx, id, inputType, msg, obserrors.Classify(runErr))
		}
		p.emit(inputType, metrics.ResultError, elapsed, runErr)
	}
}

// failureMessage returns the text stored on the job: declared engine errors
// verbatim, everything else reduced to its kind.
func failureMessage(err error) string {
	if ae, ok := analysis.AsError(err); ok {
		return ae.Message
	}
	return unhandledPrefix + obserrors.Classify(err)
}

func (p *Pool) emit(inputType, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
		InputType:  inputType,
		Transition: metrics.TransitionComplete,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

type engineResult struct {
	outcome *model.AnalysisOutcome
	err     error
}

// analyze runs the engine under the analyze deadline. If the engine ignores
// cancellation the call is abandoned when the deadline passes.
func (p *Pool) analyze(
	ctx context.Context,
	logger *slog.Logger,
	req *model.AnalyzeRequest,
) (*model.AnalysisOutcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.analyzeTimeout)
	defer cancel()

	done := make(chan engineResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- engineResult{err: &PanicError{Value: v, Stack: debug.Stack()}}
			}
		}()
		out, err := p.engine.Analyze(runCtx, req)
		done <- engineResult{outcome: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrAnalysisTimeout
			}
			return nil, res.err
		}
		if res.outcome == nil {
			return nil, errors.New("engine returned no outcome")
		}
		return res.outcome, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		logger.WarnContext(ctx, "engine ignored cancellation; abandoning call", "timeout", p.analyzeTimeout)
		return nil, ErrAnalysisTimeout
	}
}

// startHeartbeat refreshes the lease until the returned stop func is called.
// A lost lease cancels ctx with errLeaseLost.
func (p *Pool) startHeartbeat(
	ctx context.Context,
	logger *slog.Logger,
	id, owner string,
	loseLease context.CancelCauseFunc,
) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := p.queue.Heartbeat(ctx, id, owner)
				switch {
				case errors.Is(err, data.ErrLeaseLost) || (err == nil && !alive):
					logger.WarnContext(ctx, "job no longer owned by this worker", "owner", owner)
					loseLease(errLeaseLost)
					return
				case err != nil:
					logger.WarnContext(ctx, "heartbeat failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		wg.Wait()
	}
}

func (p *Pool) finishSucceeded(
	ctx context.Context,
	logger *slog.Logger,
	id, owner string,
	outcome *model.AnalysisOutcome,
	elapsed time.Duration,
) {
	durationMS := outcome.DurationMS
	if durationMS <= 0 {
		durationMS = elapsed.Milliseconds()
	}
	result := &model.Result{
		Reports:    outcome.Reports,
		DurationMS: durationMS,
		Model:      outcome.Model,
	}
	if err := p.queue.SaveSuccess(ctx, id, owner, result); err != nil {
		p.logWriteError(ctx, logger, "save success", err)
		return
	}
	logger.InfoContext(ctx, "job succeeded", "duration_ms", durationMS, "model", outcome.Model, "reports", len(outcome.Reports))
}

// finishFailed records msg on the job and reports whether the write landed.
func (p *Pool) finishFailed(ctx context.Context, logger *slog.Logger, id, owner, msg string) bool {
	if err := p.queue.MarkFailed(ctx, id, owner, msg); err != nil {
		p.logWriteError(ctx, logger, "mark failed", err)
		return false
	}
	logger.InfoContext(ctx, "job failed", "message", msg)
	return true
}

func (p *Pool) notify(ctx context.Context, id, inputType, msg, class string) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:      id,
		InputType:  inputType,
		Stage:      notify.StageAnalyze,
		WorkerID:   p.workerID,
		Error:      msg,
		ErrorClass: class,
		Severity:   notify.SeverityCritical,
	})
}

func (p *Pool) logWriteError(ctx context.Context, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, data.ErrLeaseLost), errors.Is(err, data.ErrInvalidTransition), errors.Is(err, data.ErrJobNotFound):
		logger.WarnContext(ctx, op+" rejected", "reason", err)
	default:
		logger.ErrorContext(ctx, op+" failed", "error", err)
	}
}

// InUse returns the number of busy slots.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// PanicError wraps a value recovered from an engine panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("engine panic: %v", e.Value)
}

// Kind implements obserrors.Classified.
func (e *PanicError) Kind() string { return "panic" }
