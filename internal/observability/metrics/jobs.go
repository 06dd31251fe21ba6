// Package metrics holds the metric names and tag conventions shared by the
// worker pool, the reaper and the HTTP producer.
package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/threat-thinker/ttserve/internal/observability/errors"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultTimeout  = "timeout"
	ResultRejected = "rejected"
	ResultNoop     = "noop"
)

// Transition names a job lifecycle step.
const (
	TransitionEnqueue  = "enqueue"
	TransitionStart    = "start"
	TransitionComplete = "complete"
	TransitionRequeue  = "requeue"
	TransitionAbandon  = "abandon"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	InputType  string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when a duration is known, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.InputType != "" {
		tags["input_type"] = in.InputType
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueDepth records the pending queue length.
func EmitQueueDepth(sink statsd.Sink, depth int64) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.depth", float64(depth), nil)
}

// EmitSlotsInUse records how many worker slots are busy.
func EmitSlotsInUse(sink statsd.Sink, inUse, capacity int) {
	if sink == nil {
		return
	}
	sink.Gauge("worker.slots_in_use", float64(inUse), map[string]string{"capacity": strconv.Itoa(capacity)})
}

// EmitAdmission counts one producer admission decision.
func EmitAdmission(sink statsd.Sink, result, reason string) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": result}
	if reason != "" {
		tags["reason"] = reason
	}
	sink.Count("api.admission", 1, tags)
}

// EmitNotification counts one failure notification delivery attempt.
func EmitNotification(sink statsd.Sink, sinkName, result string) {
	if sink == nil {
		return
	}
	sink.Count("notify.delivery", 1, map[string]string{"sink": sinkName, "result": result})
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
