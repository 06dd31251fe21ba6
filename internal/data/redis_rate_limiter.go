package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/threat-thinker/ttserve/internal/core"
)

const (
	defaultRateLimitPrefix = "tt:rl"
	rateLimitWindow        = time.Minute
)

// rateLimitScript increments the window counter and starts its TTL on the
// first hit. KEYS: window key. ARGV: window seconds.
var rateLimitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisRateLimiterOptions configures a RedisRateLimiter.
type RedisRateLimiterOptions struct {
	Client            redis.UniversalClient
	KeyPrefix         string
	RequestsPerMinute int
	Clock             TimeProvider
}

// RedisRateLimiter is a fixed one-minute window counter per scope key.
// Bursts of up to twice the limit can straddle a window boundary.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	clock  TimeProvider
}

var _ core.RateLimiter = (*RedisRateLimiter)(nil)

// NewRedisRateLimiter creates a RedisRateLimiter.
func NewRedisRateLimiter(opts RedisRateLimiterOptions) (*RedisRateLimiter, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.RequestsPerMinute < 1 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", opts.RequestsPerMinute)
	}
	prefix := strings.TrimRight(strings.TrimSpace(opts.KeyPrefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	clock := opts.Clock
	if clock == nil {
		clock = &RealTimeProvider{}
	}
	return &RedisRateLimiter{
		client: opts.Client,
		prefix: prefix,
		limit:  int64(opts.RequestsPerMinute),
		clock:  clock,
	}, nil
}

// Allow counts one request against scopeKey's current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, scopeKey string) (bool, error) {
	if scopeKey == "" {
		scopeKey = "unknown"
	}
	window := l.clock.Now().Unix() / int64(rateLimitWindow/time.Second)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, scopeKey, window)

	count, err := rateLimitScript.Run(ctx, l.client, []string{key}, int64(rateLimitWindow/time.Second)).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	return count <= l.limit, nil
}
