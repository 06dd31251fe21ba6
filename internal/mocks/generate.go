// Package mocks provides mock implementations for testing ttserve.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the ports in internal/core.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return("job-1", nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Enqueue, GetStatus, GetResult, QueueDepth, Ping
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/threat-thinker/ttserve/internal/core JobRepository

// Generate mock for RateLimiter interface from internal/core package.
// This creates MockRateLimiter with methods for all RateLimiter interface methods:
// Allow
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=rate_limiter_mock.go github.com/threat-thinker/ttserve/internal/core RateLimiter

// Generate mock for AnalysisEngine interface from internal/core package.
// This creates MockAnalysisEngine with methods for all AnalysisEngine interface methods:
// Analyze
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=analysis_engine_mock.go github.com/threat-thinker/ttserve/internal/core AnalysisEngine
