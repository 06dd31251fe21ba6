package data

import "github.com/redis/go-redis/v9"

// Script return codes shared by the job scripts.
const (
	scriptOK           = 1
	scriptAbandoned    = 2
	scriptMissing      = 0
	scriptBadState     = -1
	scriptLeaseMissing = -2
)

// enqueueScript creates the queued record, sets its TTL and pushes the id.
//
// KEYS: job hash, queue list. ARGV: id, now, payload, ttl seconds.
var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'status', 'queued', 'created_at', ARGV[2], 'updated_at', ARGV[2], 'payload', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// markRunningScript claims a queued job for one owner and takes its id off
// the claiming list whatever the outcome.
//
// KEYS: job hash, running zset, claiming list. ARGV: id, now, now ms, ttl seconds, owner.
var markRunningScript = redis.NewScript(`
redis.call('LREM', KEYS[3], 0, ARGV[1])
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
if status ~= 'queued' then return -1 end
redis.call('HSET', KEYS[1], 'status', 'running', 'updated_at', ARGV[2], 'heartbeat_at', ARGV[2], 'owner', ARGV[5])
redis.call('HDEL', KEYS[1], 'claim_seen_ms')
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// heartbeatScript refreshes the lease of a running job.
//
// KEYS: job hash, running zset. ARGV: id, now, now ms, ttl seconds, owner.
var heartbeatScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'running' then return 0 end
local owner = redis.call('HGET', KEYS[1], 'owner')
if ARGV[5] ~= '' and owner and owner ~= ARGV[5] then return -2 end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// markFailedScript records a failure on a running job. A caller holding an
// owner token may only fail the job while it still owns the lease.
//
// KEYS: job hash, result string, running zset. ARGV: id, now, message, ttl seconds, owner.
var markFailedScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 0
end
if status ~= 'queued' and status ~= 'running' then return -1 end
if ARGV[5] ~= '' then
  if status ~= 'running' then return -2 end
  local owner = redis.call('HGET', KEYS[1], 'owner')
  if owner and owner ~= ARGV[5] then return -2 end
elseif status ~= 'running' then
  return -1
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'updated_at', ARGV[2], 'error', ARGV[3])
redis.call('HDEL', KEYS[1], 'owner', 'heartbeat_at')
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// saveSuccessScript writes the immutable result and the succeeded status.
//
// KEYS: job hash, result string, running zset.
// ARGV: id, now, result json, ttl seconds, owner, model, duration ms.
var saveSuccessScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 0
end
if status ~= 'queued' and status ~= 'running' then return -1 end
if ARGV[5] ~= '' then
  if status ~= 'running' then return -2 end
  local owner = redis.call('HGET', KEYS[1], 'owner')
  if owner and owner ~= ARGV[5] then return -2 end
elseif status ~= 'running' then
  return -1
end
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
redis.call('HSET', KEYS[1], 'status', 'succeeded', 'updated_at', ARGV[2], 'model', ARGV[6], 'duration_ms', ARGV[7])
redis.call('HDEL', KEYS[1], 'owner', 'heartbeat_at', 'error')
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// requeueStaleScript returns one stale running job to the queue, or fails it
// once it has been reclaimed max requeues times.
//
// KEYS: job hash, running zset, queue list.
// ARGV: id, now, cutoff ms, ttl seconds, max requeues, abandon message.
var requeueStaleScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then return 0 end
if tonumber(score) > tonumber(ARGV[3]) then return 0 end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'running' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return -1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'owner', 'heartbeat_at')
redis.call('EXPIRE', KEYS[1], ARGV[4])
local requeues = tonumber(redis.call('HGET', KEYS[1], 'requeues') or '0')
if requeues >= tonumber(ARGV[5]) then
  redis.call('HSET', KEYS[1], 'status', 'failed', 'updated_at', ARGV[2], 'error', ARGV[6])
  return 2
end
redis.call('HSET', KEYS[1], 'status', 'queued', 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'requeues', 1)
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// requeueUnclaimedScript handles one id on the claiming list. Ids whose job is
// gone or past queued are dropped. A queued job is stamped on first sight and
// pushed back to the queue once the stamp is at or before the cutoff.
//
// KEYS: job hash, claiming list, queue list. ARGV: id, now ms, cutoff ms, now.
var requeueUnclaimedScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'queued' then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
  return -1
end
local seen = redis.call('HGET', KEYS[1], 'claim_seen_ms')
if not seen then
  redis.call('HSET', KEYS[1], 'claim_seen_ms', ARGV[2])
  return 0
end
if tonumber(seen) > tonumber(ARGV[3]) then return 0 end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HDEL', KEYS[1], 'claim_seen_ms')
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
