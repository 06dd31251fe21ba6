package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the job submission API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the analysis worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the stale job reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if strings.TrimSpace(servicesStr) == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		mode := ServiceMode(name)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, reaper)", name)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// MaxInFlight is the number of analyses one worker process runs at once.
	MaxInFlight int `env:"WORKER_MAX_IN_FLIGHT" envDefault:"1"`

	// DequeueTimeout bounds each blocking pop so the loop can observe shutdown.
	DequeueTimeout time.Duration `env:"WORKER_DEQUEUE_TIMEOUT" envDefault:"5s"`

	// HeartbeatInterval is how often a running job refreshes its liveness mark.
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// ErrorBackoff is the minimum spacing between store calls after a store error.
	ErrorBackoff time.Duration `env:"WORKER_ERROR_BACKOFF" envDefault:"1s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.MaxInFlight < 1 {
		w.MaxInFlight = 1
	}
	if w.DequeueTimeout < time.Second {
		w.DequeueTimeout = time.Second
	}
	if w.HeartbeatInterval < time.Second {
		w.HeartbeatInterval = time.Second
	}
	if w.ErrorBackoff <= 0 {
		w.ErrorBackoff = time.Second
	}
}

// ReaperConfig contains stale job reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"30s"`

	// VisibilityTimeout is how long a running job may go without a heartbeat
	// before it is returned to the queue.
	VisibilityTimeout time.Duration `env:"REAPER_VISIBILITY_TIMEOUT" envDefault:"60s"`

	// BatchSize is the maximum number of jobs requeued per pass.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`

	// MaxRequeues is how many times a job may be reclaimed before it is failed
	// instead. Zero fails stale jobs on first detection.
	MaxRequeues int `env:"REAPER_MAX_REQUEUES" envDefault:"3"`
}

// Sanitize applies guardrails to reaper configuration values. The visibility
// timeout is kept at three heartbeats or more so a live worker is never reaped.
func (r *ReaperConfig) Sanitize(heartbeat time.Duration) {
	if r.Interval < time.Second {
		r.Interval = time.Second
	}
	if minTimeout := 3 * heartbeat; r.VisibilityTimeout < minTimeout {
		r.VisibilityTimeout = minTimeout
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
	if r.MaxRequeues < 0 {
		r.MaxRequeues = 0
	}
}
