package data

import "errors"

// Shared sentinel errors for the Redis job store.
var (
	// ErrJobIDRequired is returned when an operation receives an empty id.
	ErrJobIDRequired = errors.New("job_id is required")
	// ErrJobNotFound is returned by writes against a record that expired or never existed.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a write would move a job backwards
	// or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrLeaseLost is returned when another worker attempt now owns the job.
	ErrLeaseLost = errors.New("job owned by another worker")
)
