package data

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threat-thinker/ttserve/internal/testutil"
)

func TestRedisRateLimiter_FixedWindow(t *testing.T) {
	srv, client := testutil.NewMiniRedis(t)
	clock := NewFixedTimeProvider(testutil.TestTime())
	limiter, err := NewRedisRateLimiter(RedisRateLimiterOptions{
		Client:            client,
		RequestsPerMinute: 2,
		Clock:             clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	var got []bool
	for range 3 {
		ok, err := limiter.Allow(ctx, "ip:203.0.113.7")
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{true, true, false}, got)

	key := "tt:rl:ip:203.0.113.7:" + itoa(testutil.TestTime().Unix()/60)
	assert.Equal(t, "3", mustGet(t, srv.Get, key))
	assert.Equal(t, time.Minute, srv.TTL(key))

	clock.AddTime(time.Minute)
	ok, err := limiter.Allow(ctx, "ip:203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRedisRateLimiter_ScopesAreIndependent(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	limiter, err := NewRedisRateLimiter(RedisRateLimiterOptions{
		Client:            client,
		KeyPrefix:         "custom:",
		RequestsPerMinute: 1,
		Clock:             NewFixedTimeProvider(testutil.TestTime()),
	})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "api_key:a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "api_key:b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "api_key:a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRateLimiter_WindowKeyExpires(t *testing.T) {
	srv, client := testutil.NewMiniRedis(t)
	limiter, err := NewRedisRateLimiter(RedisRateLimiterOptions{
		Client:            client,
		RequestsPerMinute: 5,
		Clock:             NewFixedTimeProvider(testutil.TestTime()),
	})
	require.NoError(t, err)

	_, err = limiter.Allow(context.Background(), "ip:unknown")
	require.NoError(t, err)
	require.Len(t, srv.Keys(), 1)

	srv.FastForward(61 * time.Second)
	assert.Empty(t, srv.Keys())
}

func TestRedisRateLimiter_StoreError(t *testing.T) {
	srv, client := testutil.NewMiniRedis(t)
	limiter, err := NewRedisRateLimiter(RedisRateLimiterOptions{Client: client, RequestsPerMinute: 1})
	require.NoError(t, err)

	srv.SetError("LOADING")
	_, err = limiter.Allow(context.Background(), "ip:1.2.3.4")
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_Validation(t *testing.T) {
	_, err := NewRedisRateLimiter(RedisRateLimiterOptions{RequestsPerMinute: 1})
	assert.Error(t, err)

	_, client := testutil.NewMiniRedis(t)
	_, err = NewRedisRateLimiter(RedisRateLimiterOptions{Client: client})
	assert.Error(t, err)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func mustGet(t *testing.T, get func(string) (string, error), key string) string {
	t.Helper()
	v, err := get(key)
	require.NoError(t, err)
	return v
}
