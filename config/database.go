package config

import (
	"strings"
	"time"
)

// RedisConfig contains Redis connection configuration.
//
// URL accepts either a redis:// URL or a bare host:port. Cluster deployments
// must give every QueueConfig key and QueueConfig.JobKeyPrefix a shared hash
// tag (for example "{tt}:queue", "{tt}:claiming", "{tt}:running" and
// "{tt}:job") so job scripts stay single-slot.
type RedisConfig struct {
	URL                string   `env:"URL"                  envDefault:"redis://localhost:6379/0"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// QueueConfig controls the Redis key layout and record lifetime for jobs.
type QueueConfig struct {
	QueueKey     string `env:"QUEUE_KEY"       envDefault:"tt:queue"`
	ClaimingKey  string `env:"CLAIMING_KEY"    envDefault:"tt:claiming"`
	RunningKey   string `env:"RUNNING_KEY"     envDefault:"tt:running"`
	JobKeyPrefix string `env:"JOB_KEY_PREFIX"  envDefault:"tt:job"`
	JobTTLSecs   int    `env:"JOB_TTL_SECONDS" envDefault:"900"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	q.QueueKey = strings.TrimSpace(q.QueueKey)
	if q.QueueKey == "" {
		q.QueueKey = "tt:queue"
	}
	q.ClaimingKey = strings.TrimSpace(q.ClaimingKey)
	if q.ClaimingKey == "" {
		q.ClaimingKey = "tt:claiming"
	}
	q.RunningKey = strings.TrimSpace(q.RunningKey)
	if q.RunningKey == "" {
		q.RunningKey = "tt:running"
	}
	q.JobKeyPrefix = strings.TrimRight(strings.TrimSpace(q.JobKeyPrefix), ":")
	if q.JobKeyPrefix == "" {
		q.JobKeyPrefix = "tt:job"
	}
	if q.JobTTLSecs < 60 {
		q.JobTTLSecs = 60
	}
}

// JobTTL returns the record lifetime as a duration.
func (q *QueueConfig) JobTTL() time.Duration {
	return time.Duration(q.JobTTLSecs) * time.Second
}
