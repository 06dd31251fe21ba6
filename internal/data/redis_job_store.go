package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/domain/job"
	"github.com/threat-thinker/ttserve/internal/domain/model"
)

// AbandonedJobMessage is recorded on jobs the reaper gives up on.
const AbandonedJobMessage = "Job abandoned after repeated worker failures."

const (
	defaultQueueKey     = "tt:queue"
	defaultRunningKey   = "tt:running"
	defaultClaimingKey  = "tt:claiming"
	defaultJobKeyPrefix = "tt:job"
	defaultJobTTL       = 900 * time.Second
)

// RedisJobStoreOptions configures a RedisJobStore.
type RedisJobStoreOptions struct {
	Client redis.UniversalClient
	// QueueKey names the pending list, ClaimingKey the list ids move to when
	// popped and RunningKey the lease zset. In cluster mode all of them must
	// share a hash tag with JobKeyPrefix, e.g. "{tt}:queue" and "{tt}:job".
	QueueKey     string
	ClaimingKey  string
	RunningKey   string
	JobKeyPrefix string
	JobTTL       time.Duration
	Clock        TimeProvider
}

// RedisJobStore keeps job records, results and the pending queue in Redis.
// Every state change runs as a Lua script so a record and its queue and
// lease entries never disagree.
type RedisJobStore struct {
	client      redis.UniversalClient
	queueKey    string
	claimingKey string
	prefix      string
	runningKey  string
	ttlSeconds  int
	clock       TimeProvider
}

var (
	_ core.JobRepository    = (*RedisJobStore)(nil)
	_ core.WorkQueue        = (*RedisJobStore)(nil)
	_ core.ReaperRepository = (*RedisJobStore)(nil)
)

// NewRedisJobStore creates a RedisJobStore.
func NewRedisJobStore(opts RedisJobStoreOptions) *RedisJobStore {
	queueKey := strings.TrimSpace(opts.QueueKey)
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	claimingKey := strings.TrimSpace(opts.ClaimingKey)
	if claimingKey == "" {
		claimingKey = defaultClaimingKey
	}
	runningKey := strings.TrimSpace(opts.RunningKey)
	if runningKey == "" {
		runningKey = defaultRunningKey
	}
	prefix := strings.TrimRight(strings.TrimSpace(opts.JobKeyPrefix), ":")
	if prefix == "" {
		prefix = defaultJobKeyPrefix
	}
	ttl := opts.JobTTL
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = &RealTimeProvider{}
	}

	return &RedisJobStore{
		client:      opts.Client,
		queueKey:    queueKey,
		claimingKey: claimingKey,
		prefix:      prefix,
		runningKey:  runningKey,
		ttlSeconds:  job.ResolveTTL(ttl).Seconds,
		clock:       clock,
	}
}

func (s *RedisJobStore) jobKey(id string) string    { return s.prefix + ":" + id }
func (s *RedisJobStore) resultKey(id string) string { return s.prefix + ":" + id + ":result" }

// isJobID reports whether id is a canonical UUID, the only form Enqueue mints.
// Anything else cannot name a job record.
func isJobID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// isWrongType reports a reply against a key of another type, read as absent.
func isWrongType(err error) bool {
	return redis.HasErrorPrefix(err, "WRONGTYPE")
}

// Enqueue stores a queued record for req and appends its id to the queue.
func (s *RedisJobStore) Enqueue(ctx context.Context, req *model.AnalyzeRequest) (string, error) {
	if req == nil {
		return "", errors.New("analyze request is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := formatTimestamp(s.clock.Now())
	keys := []string{s.jobKey(id), s.queueKey}
	if err := enqueueScript.Run(ctx, s.client, keys, id, now, payload, s.ttlSeconds).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// GetStatus returns the client view of a job. Absent records report expired.
func (s *RedisJobStore) GetStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	if !isJobID(jobID) {
		return model.ExpiredView(jobID), nil
	}

	vals, err := s.client.HMGet(ctx, s.jobKey(jobID), "status", "created_at", "updated_at", "error").Result()
	if err != nil {
		if isWrongType(err) {
			return model.ExpiredView(jobID), nil
		}
		return nil, fmt.Errorf("get job status: %w", err)
	}

	status := hashString(vals[0])
	if status == "" {
		return model.ExpiredView(jobID), nil
	}

	view := &model.JobStatusView{
		JobID:     jobID,
		Status:    model.JobStatus(status),
		CreatedAt: parseTimestamp(hashString(vals[1])),
		UpdatedAt: parseTimestamp(hashString(vals[2])),
	}
	if view.Status == model.JobStatusFailed {
		view.Error = hashString(vals[3])
	}
	return view, nil
}

// GetResult returns the stored result of a succeeded job, or nil.
func (s *RedisJobStore) GetResult(ctx context.Context, jobID string) (*model.Result, error) {
	if !isJobID(jobID) {
		return nil, nil
	}

	status, err := s.client.HGet(ctx, s.jobKey(jobID), "status").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isWrongType(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job status: %w", err)
	}
	if model.JobStatus(status) != model.JobStatusSucceeded {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) || isWrongType(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job result: %w", err)
	}

	var res model.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &res, nil
}

// QueueDepth returns the number of pending ids.
func (s *RedisJobStore) QueueDepth(ctx context.Context) (int64, error) {
	n, err := s.client.LLen(ctx, s.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Dequeue moves the oldest pending id onto the claiming list, waiting up to
// timeout. The id leaves the claiming list when MarkRunning runs; ids left
// behind by a failed claim are returned to the queue by RequeueStale.
func (s *RedisJobStore) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	id, err := s.client.BLMove(ctx, s.queueKey, s.claimingKey, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", model.ErrNoJobAvailable
		}
		return "", fmt.Errorf("dequeue job: %w", err)
	}
	return id, nil
}

// LoadPayload decodes the stored request. It returns nil when the record is gone.
func (s *RedisJobStore) LoadPayload(ctx context.Context, jobID string) (*model.AnalyzeRequest, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	raw, err := s.client.HGet(ctx, s.jobKey(jobID), "payload").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load payload: %w", err)
	}

	req := model.NewAnalyzeRequest()
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &req, nil
}

// MarkRunning moves a queued job to running under owner.
func (s *RedisJobStore) MarkRunning(ctx context.Context, jobID, owner string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	now := s.clock.Now()
	keys := []string{s.jobKey(jobID), s.runningKey, s.claimingKey}
	code, err := markRunningScript.Run(ctx, s.client, keys,
		jobID, formatTimestamp(now), now.UnixMilli(), s.ttlSeconds, owner).Int()
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return scriptError(code)
}

// Heartbeat refreshes the lease on a running job. It returns false when the
// job is no longer running.
func (s *RedisJobStore) Heartbeat(ctx context.Context, jobID, owner string) (bool, error) {
	if jobID == "" {
		return false, ErrJobIDRequired
	}
	now := s.clock.Now()
	keys := []string{s.jobKey(jobID), s.runningKey}
	code, err := heartbeatScript.Run(ctx, s.client, keys,
		jobID, formatTimestamp(now), now.UnixMilli(), s.ttlSeconds, owner).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	switch code {
	case scriptOK:
		return true, nil
	case scriptMissing:
		return false, nil
	default:
		return false, scriptError(code)
	}
}

// MarkFailed records message on a running job. An empty owner skips the
// lease check.
func (s *RedisJobStore) MarkFailed(ctx context.Context, jobID, owner, message string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	keys := []string{s.jobKey(jobID), s.resultKey(jobID), s.runningKey}
	code, err := markFailedScript.Run(ctx, s.client, keys,
		jobID, formatTimestamp(s.clock.Now()), message, s.ttlSeconds, owner).Int()
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return scriptError(code)
}

// SaveSuccess stores result and marks the job succeeded.
func (s *RedisJobStore) SaveSuccess(ctx context.Context, jobID, owner string, result *model.Result) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	if result == nil {
		return errors.New("result is required")
	}

	stored := *result
	stored.JobID = jobID
	if stored.Reports == nil {
		stored.Reports = []model.Report{}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	keys := []string{s.jobKey(jobID), s.resultKey(jobID), s.runningKey}
	code, err := saveSuccessScript.Run(ctx, s.client, keys,
		jobID, formatTimestamp(s.clock.Now()), raw, s.ttlSeconds, owner,
		stored.Model, stored.DurationMS).Int()
	if err != nil {
		return fmt.Errorf("save success: %w", err)
	}
	return scriptError(code)
}

// RequeueStale returns running jobs whose last heartbeat precedes
// params.StaleBefore to the queue. Jobs already requeued MaxRequeues times
// are failed instead. Popped ids that never reached running are requeued once
// they have sat on the claiming list since before params.StaleBefore.
func (s *RedisJobStore) RequeueStale(
	ctx context.Context,
	params core.RequeueStaleParams,
) (*core.RequeueStaleResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	cutoff := params.StaleBefore.UnixMilli()

	ids, err := s.client.ZRangeByScore(ctx, s.runningKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	out := &core.RequeueStaleResult{}
	now := formatTimestamp(s.clock.Now())
	for _, id := range ids {
		keys := []string{s.jobKey(id), s.runningKey, s.queueKey}
		code, err := requeueStaleScript.Run(ctx, s.client, keys,
			id, now, cutoff, s.ttlSeconds, params.MaxRequeues, AbandonedJobMessage).Int()
		if err != nil {
			return out, fmt.Errorf("requeue job %s: %w", id, err)
		}
		switch code {
		case scriptOK:
			out.Requeued = append(out.Requeued, id)
		case scriptAbandoned:
			out.Abandoned = append(out.Abandoned, id)
		}
	}

	recovered, err := s.requeueUnclaimed(ctx, cutoff, limit)
	out.Requeued = append(out.Requeued, recovered...)
	return out, err
}

// requeueUnclaimed sweeps the claiming list. The first pass that sees a queued
// id stamps it; a later pass requeues it once the stamp is older than cutoff.
func (s *RedisJobStore) requeueUnclaimed(ctx context.Context, cutoff int64, limit int) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.claimingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list claiming jobs: %w", err)
	}

	var requeued []string
	now := s.clock.Now()
	for _, id := range ids {
		keys := []string{s.jobKey(id), s.claimingKey, s.queueKey}
		code, err := requeueUnclaimedScript.Run(ctx, s.client, keys,
			id, now.UnixMilli(), cutoff, formatTimestamp(now)).Int()
		if err != nil {
			return requeued, fmt.Errorf("requeue unclaimed job %s: %w", id, err)
		}
		if code == scriptOK {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

func scriptError(code int) error {
	switch code {
	case scriptOK:
		return nil
	case scriptMissing:
		return ErrJobNotFound
	case scriptBadState:
		return ErrInvalidTransition
	case scriptLeaseMissing:
		return ErrLeaseLost
	default:
		return fmt.Errorf("unexpected script result %d", code)
	}
}

func hashString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
