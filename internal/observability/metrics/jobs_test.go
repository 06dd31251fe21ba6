package metrics

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMetric struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (s *recordingSink) add(m recordedMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
}

func (s *recordingSink) Count(name string, value int64, tags map[string]string) {
	s.add(recordedMetric{kind: "count", name: name, value: float64(value), tags: tags})
}

func (s *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	s.add(recordedMetric{kind: "gauge", name: name, value: value, tags: tags})
}

func (s *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	s.add(recordedMetric{kind: "timing", name: name, value: float64(value.Milliseconds()), tags: tags})
}

func TestEmitJobLifecycle(t *testing.T) {
	sink := &recordingSink{}

	EmitJobLifecycle(sink, JobMetric{
		InputType:  "mermaid",
		Transition: TransitionComplete,
		Result:     ResultError,
		Duration:   250 * time.Millisecond,
		Err:        fmt.Errorf("engine: %w", context.DeadlineExceeded),
	})

	require.Len(t, sink.metrics, 2)
	count := sink.metrics[0]
	assert.Equal(t, "job.transition", count.name)
	assert.Equal(t, map[string]string{
		"transition":  "complete",
		"result":      "error",
		"input_type":  "mermaid",
		"error_class": "deadline_exceeded",
	}, count.tags)

	timing := sink.metrics[1]
	assert.Equal(t, "job.duration", timing.name)
	assert.InDelta(t, 250, timing.value, 0)
	assert.Equal(t, count.tags, timing.tags)
}

func TestEmitJobLifecycle_SuccessHasNoErrorClass(t *testing.T) {
	sink := &recordingSink{}
	EmitJobLifecycle(sink, JobMetric{Transition: TransitionEnqueue, Result: ResultSuccess, Err: fmt.Errorf("ignored")})

	require.Len(t, sink.metrics, 1)
	assert.NotContains(t, sink.metrics[0].tags, "error_class")
	assert.NotContains(t, sink.metrics[0].tags, "input_type")
}

func TestEmitHelpersTolerateNilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitJobLifecycle(nil, JobMetric{})
		EmitQueueDepth(nil, 1)
		EmitSlotsInUse(nil, 1, 2)
		EmitAdmission(nil, ResultRejected, "rate_limited")
	})
}

func TestEmitGaugesAndAdmission(t *testing.T) {
	sink := &recordingSink{}
	EmitQueueDepth(sink, 7)
	EmitSlotsInUse(sink, 1, 4)
	EmitAdmission(sink, ResultRejected, "rate_limited")

	require.Len(t, sink.metrics, 3)
	assert.Equal(t, recordedMetric{kind: "gauge", name: "queue.depth", value: 7}, sink.metrics[0])
	assert.Equal(t, map[string]string{"capacity": "4"}, sink.metrics[1].tags)
	assert.Equal(t, map[string]string{"result": "rejected", "reason": "rate_limited"}, sink.metrics[2].tags)
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))

	src := map[string]string{"a": "1"}
	cp := CloneTags(src)
	cp["a"] = "2"
	assert.Equal(t, "1", src["a"])
}
