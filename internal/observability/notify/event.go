// Package notify delivers alerts about analysis jobs that failed for reasons
// an operator should look at: timeouts, crashes and jobs the reaper gave up on.
package notify

import (
	"context"
	"strings"
	"time"
)

// Severity levels understood by the sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Stages at which a job can fail.
const (
	StageAnalyze = "analyze"
	StageReaper  = "reaper"
)

// JobFailurePayload describes one failed job.
type JobFailurePayload struct {
	JobID      string
	InputType  string
	Stage      string
	WorkerID   string
	Error      string // the message stored on the job
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Normalize fills the fields every sink relies on.
func (p JobFailurePayload) Normalize(now time.Time) JobFailurePayload {
	p.Severity = strings.ToLower(strings.TrimSpace(p.Severity))
	if p.Severity == "" {
		p.Severity = SeverityCritical
	}
	if p.Stage == "" {
		p.Stage = StageAnalyze
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = now
	}
	p.OccurredAt = p.OccurredAt.UTC()
	return p
}

// Sink delivers a failure to one destination.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure calls f.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
