package main

import (
	"errors"
	"fmt"

	"github.com/threat-thinker/ttserve/internal/bootstrap"
	"github.com/threat-thinker/ttserve/internal/data"
)

// withStore connects to Redis, runs fn against the job store and closes the client.
func withStore(cmdCtx *commandContext, fn func(*data.RedisJobStore) error) (err error) {
	client, err := bootstrap.ConnectRedis(cmdCtx.Ctx, bootstrap.RedisConnectConfig{
		Redis:  cmdCtx.Config.Redis,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close redis: %w", closeErr))
		}
	}()

	store := data.NewRedisJobStore(data.RedisJobStoreOptions{
		Client:       client,
		QueueKey:     cmdCtx.Config.Queue.QueueKey,
		ClaimingKey:  cmdCtx.Config.Queue.ClaimingKey,
		RunningKey:   cmdCtx.Config.Queue.RunningKey,
		JobKeyPrefix: cmdCtx.Config.Queue.JobKeyPrefix,
		JobTTL:       cmdCtx.Config.Queue.JobTTL(),
	})
	return fn(store)
}
