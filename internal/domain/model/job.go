// Package model defines the core data types shared by the job store, worker pool and API.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusQueued indicates a job is waiting in the queue.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker owns the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the job finished and its result is stored.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the job finished with an error message.
	JobStatusFailed JobStatus = "failed"
	// JobStatusExpired is never stored; readers report it when the record is gone.
	JobStatusExpired JobStatus = "expired"
)

// ErrNoJobAvailable is returned when a bounded dequeue wait elapses with an empty queue.
var ErrNoJobAvailable = errors.New("no job available")

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*s = v
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", v)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusExpired
}

// JobStatusView is the client-facing projection of a job record.
type JobStatusView struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ExpiredView returns the synthesized view for an absent record.
func ExpiredView(jobID string) *JobStatusView {
	return &JobStatusView{JobID: jobID, Status: JobStatusExpired}
}

// ReportFormat names a rendered report flavour.
type ReportFormat string

const (
	ReportFormatMarkdown     ReportFormat = "markdown"
	ReportFormatHTML         ReportFormat = "html"
	ReportFormatJSON         ReportFormat = "json"
	ReportFormatThreatDragon ReportFormat = "threat-dragon"
)

// Valid returns true if the ReportFormat is one the engine renders.
func (f ReportFormat) Valid() bool {
	switch f {
	case ReportFormatMarkdown, ReportFormatHTML, ReportFormatJSON, ReportFormatThreatDragon:
		return true
	default:
		return false
	}
}

// FileExtension returns the suffix used when a report is saved to disk.
func (f ReportFormat) FileExtension() string {
	switch f {
	case ReportFormatMarkdown:
		return ".md"
	case ReportFormatHTML:
		return ".html"
	case ReportFormatJSON:
		return ".json"
	case ReportFormatThreatDragon:
		return ".threat-dragon.json"
	default:
		return ".txt"
	}
}

// Report is one rendered output of an analysis.
type Report struct {
	Format  ReportFormat `json:"format"`
	Content string       `json:"content"`
}

// Result is the stored outcome of a succeeded job. It is written once.
type Result struct {
	JobID      string   `json:"job_id,omitempty"`
	Reports    []Report `json:"reports"`
	DurationMS int64    `json:"duration_ms"`
	Model      string   `json:"model,omitempty"`
}

// JobAccepted is returned to the client when a job is enqueued.
type JobAccepted struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}
