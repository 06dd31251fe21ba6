package core

import (
	"context"
	"time"

	"github.com/threat-thinker/ttserve/internal/domain/model"
	"github.com/threat-thinker/ttserve/internal/observability/notify"
)

// This file contains port definitions between the service layer and adapters.
// Services depend on these interfaces, not on the Redis implementations.

// JobRepository is the producer-side view of the job store.
type JobRepository interface {
	// Enqueue stores a queued record and pushes its id in one atomic step.
	Enqueue(ctx context.Context, req *model.AnalyzeRequest) (string, error)
	// GetStatus never fails for unknown ids; absent records report expired.
	GetStatus(ctx context.Context, jobID string) (*model.JobStatusView, error)
	// GetResult returns nil without error unless the job succeeded.
	GetResult(ctx context.Context, jobID string) (*model.Result, error)
	QueueDepth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// WorkQueue is the consumer-side view of the job store. The owner token ties
// every write after MarkRunning to the worker attempt that claimed the job.
type WorkQueue interface {
	// Dequeue blocks up to timeout and returns model.ErrNoJobAvailable when it elapses.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	// LoadPayload returns nil without error when the record is gone.
	LoadPayload(ctx context.Context, jobID string) (*model.AnalyzeRequest, error)
	MarkRunning(ctx context.Context, jobID, owner string) error
	Heartbeat(ctx context.Context, jobID, owner string) (bool, error)
	MarkFailed(ctx context.Context, jobID, owner, message string) error
	SaveSuccess(ctx context.Context, jobID, owner string, result *model.Result) error
}

// RequeueStaleParams groups parameters for ReaperRepository.RequeueStale.
type RequeueStaleParams struct {
	// StaleBefore is the heartbeat cutoff; older leases are reclaimed.
	StaleBefore time.Time
	// Limit caps the number of jobs examined per call.
	Limit int
	// MaxRequeues is how many times a job may be reclaimed before it is failed.
	MaxRequeues int
}

// RequeueStaleResult lists the jobs a reclaim pass touched.
type RequeueStaleResult struct {
	Requeued  []string
	Abandoned []string
}

// ReaperRepository reclaims running jobs whose owner stopped heartbeating.
type ReaperRepository interface {
	RequeueStale(ctx context.Context, params RequeueStaleParams) (*RequeueStaleResult, error)
}

// RateLimiter admits or rejects one request for a scope key.
type RateLimiter interface {
	Allow(ctx context.Context, scopeKey string) (bool, error)
}

// AnalysisEngine runs one analysis. It must honour ctx cancellation where it
// can; declared user-facing failures are returned as *analysis.Error.
type AnalysisEngine interface {
	Analyze(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error)
}

// FailureNotifier is told about jobs that failed for operational reasons:
// timeouts, crashes and jobs abandoned by the reaper. Implementations log
// delivery errors themselves.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}
