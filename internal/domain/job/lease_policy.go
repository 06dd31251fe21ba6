package job

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrInvalidHeartbeat indicates the heartbeat interval is not positive.
	ErrInvalidHeartbeat = errors.New("heartbeat interval must be positive")
	// ErrVisibilityTooShort indicates the visibility timeout would reap live workers.
	ErrVisibilityTooShort = errors.New("visibility timeout must exceed the heartbeat interval")
)

// LeasePolicy decides when a running job's owner is presumed dead. A worker
// refreshes its lease every heartbeat; a lease older than the visibility
// timeout may be reclaimed.
type LeasePolicy struct {
	heartbeat  time.Duration
	visibility time.Duration
}

// NewLeasePolicy constructs a LeasePolicy.
func NewLeasePolicy(heartbeat, visibility time.Duration) (*LeasePolicy, error) {
	if heartbeat <= 0 {
		return nil, ErrInvalidHeartbeat
	}
	if visibility <= heartbeat {
		return nil, ErrVisibilityTooShort
	}
	return &LeasePolicy{heartbeat: heartbeat, visibility: visibility}, nil
}

// Heartbeat returns how often owners refresh their lease.
func (p *LeasePolicy) Heartbeat() time.Duration {
	if p == nil {
		return 0
	}
	return p.heartbeat
}

// Visibility returns how long a lease stays valid without a heartbeat.
func (p *LeasePolicy) Visibility() time.Duration {
	if p == nil {
		return 0
	}
	return p.visibility
}

// StaleBefore returns the cutoff: leases last refreshed before it are stale.
func (p *LeasePolicy) StaleBefore(now time.Time) time.Time {
	return now.Add(-p.Visibility())
}

// TTLDecision captures how a record lifetime was normalised for EXPIRE.
type TTLDecision struct {
	Seconds   int
	Clamped   bool
	Requested time.Duration
}

// ResolveTTL normalises a record lifetime to whole seconds, never below one.
func ResolveTTL(ttl time.Duration) TTLDecision {
	seconds, clamped := durationToSeconds(ttl)
	return TTLDecision{Seconds: seconds, Clamped: clamped, Requested: ttl}
}

func durationToSeconds(d time.Duration) (int, bool) {
	seconds := int64(d / time.Second)
	clamped := false

	if seconds <= 0 {
		seconds = 1
		clamped = true
	}

	maxSeconds := int64(math.MaxInt32)
	if seconds > maxSeconds {
		seconds = maxSeconds
		clamped = true
	}

	return int(seconds), clamped
}
