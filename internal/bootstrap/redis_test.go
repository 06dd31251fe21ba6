package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threat-thinker/ttserve/config"
)

func TestNewRedisClient(t *testing.T) {
	t.Run("redis url", func(t *testing.T) {
		client, desc, err := NewRedisClient(config.RedisConfig{URL: "redis://localhost:6390/2", Password: "fallback"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		direct, ok := client.(*redis.Client)
		require.True(t, ok)
		assert.Equal(t, "localhost:6390", desc)
		assert.Equal(t, 2, direct.Options().DB)
		assert.Equal(t, "fallback", direct.Options().Password)
	})

	t.Run("url password wins over fallback", func(t *testing.T) {
		client, _, err := NewRedisClient(config.RedisConfig{URL: "redis://:inline@localhost:6390/0", Password: "fallback"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, "inline", client.(*redis.Client).Options().Password)
	})

	t.Run("bare host port", func(t *testing.T) {
		client, desc, err := NewRedisClient(config.RedisConfig{URL: " localhost:6391 "})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, "localhost:6391", desc)
	})

	t.Run("empty direct url", func(t *testing.T) {
		_, _, err := NewRedisClient(config.RedisConfig{})
		require.Error(t, err)
	})

	t.Run("bad url", func(t *testing.T) {
		_, _, err := NewRedisClient(config.RedisConfig{URL: "redis://localhost:notaport/x"})
		require.Error(t, err)
	})

	t.Run("sentinel requires nodes", func(t *testing.T) {
		_, _, err := NewRedisClient(config.RedisConfig{UseSentinel: true, SentinelNodes: []string{" "}})
		require.Error(t, err)
	})

	t.Run("sentinel", func(t *testing.T) {
		client, desc, err := NewRedisClient(config.RedisConfig{
			UseSentinel:        true,
			SentinelNodes:      []string{"localhost:26379"},
			SentinelMasterName: "mymaster",
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, "sentinel:mymaster", desc)
	})

	t.Run("cluster nodes", func(t *testing.T) {
		client, desc, err := NewRedisClient(config.RedisConfig{
			UseCluster:   true,
			ClusterNodes: []string{"n1:7000", "", "n2:7001"},
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.IsType(t, &redis.ClusterClient{}, client)
		assert.Equal(t, "cluster:n1:7000,n2:7001", desc)
	})

	t.Run("cluster falls back to url", func(t *testing.T) {
		client, desc, err := NewRedisClient(config.RedisConfig{
			UseCluster: true,
			URL:        "redis://user:pw@n3:7002/0",
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		assert.Equal(t, "cluster:n3:7002", desc)
	})

	t.Run("cluster without addresses", func(t *testing.T) {
		_, _, err := NewRedisClient(config.RedisConfig{UseCluster: true})
		require.Error(t, err)
	})
}

func TestConnectRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), RedisConnectConfig{
		Redis: config.RedisConfig{URL: "redis://" + srv.Addr() + "/0"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	srv.CheckGet(t, "k", "v")
}

func TestConnectRedis_PingFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := ConnectRedis(context.Background(), RedisConnectConfig{
		Redis: config.RedisConfig{URL: addr},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestRedactAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "localhost:6379", want: "localhost:6379"},
		{in: "user:secret@cache:6379", want: "cache:6379"},
		{in: "cluster:n1:7000,n2:7001", want: "cluster:n1:7000,n2:7001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, redactAddr(tt.in))
		})
	}

	redacted := redactAddr("redis://:secret@cache:6379/0")
	assert.NotContains(t, redacted, "secret")
}
