package broker

import "github.com/go-redis/redis/v8"

// Every cross-cutting state transition runs as one server-side Lua script so
// competing workers and reapers never observe a read-modify-write gap. The
// scripts are the transaction boundary: a caller either sees the state from
// before a script ran or from after it finished.
//
// String status verdicts ("lost", "cancelled", "noop", ...) come back as the
// first element of the reply and are mapped to typed errors in broker.go.

// claimScript pops the ready-queue head, writes the lease and moves the
// instance to running.
//
// KEYS: ready list, running set
// ARGV: worker ID, now (unix ms), lease TTL (ms), instance key prefix
var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
local ikey = ARGV[4] .. id
redis.call('HSET', ikey,
  'state', 'running',
  'owner', ARGV[1],
  'lease_expiry_ms', tonumber(ARGV[2]) + tonumber(ARGV[3]),
  'started_at_ms', ARGV[2])
redis.call('SADD', KEYS[2], id)
return {id,
  redis.call('HGET', ikey, 'run_id'),
  redis.call('HGET', ikey, 'node_id'),
  redis.call('HGET', ikey, 'task'),
  redis.call('HGET', ikey, 'attempt')}
`)

// heartbeatScript extends the lease when the caller still owns it.
//
// KEYS: (none)
// ARGV: instance ID, worker ID, now (unix ms), lease TTL (ms),
//       instance key prefix, run key prefix
var heartbeatScript = redis.NewScript(`
local ikey = ARGV[5] .. ARGV[1]
local run = redis.call('HGET', ikey, 'run_id')
if run and redis.call('EXISTS', ARGV[6] .. run .. ':cancelled') == 1 then
  return 'cancelled'
end
if redis.call('HGET', ikey, 'state') ~= 'running' then
  return 'lost'
end
if redis.call('HGET', ikey, 'owner') ~= ARGV[2] then
  return 'lost'
end
redis.call('HSET', ikey, 'lease_expiry_ms', tonumber(ARGV[3]) + tonumber(ARGV[4]))
return 'ok'
`)

// completeScript marks the instance succeeded and enqueues every dependent
// whose unmet-dependency count just reached zero. Newly ready instances are
// sorted by ID before the RPUSH so simultaneous enqueues stay deterministic.
//
// KEYS: ready list, running set
// ARGV: instance ID, worker ID, now (unix ms), instance key prefix, run key prefix
var completeScript = redis.NewScript(`
local ikey = ARGV[4] .. ARGV[1]
local run = redis.call('HGET', ikey, 'run_id')
if run and redis.call('EXISTS', ARGV[5] .. run .. ':cancelled') == 1 then
  return {'cancelled'}
end
if redis.call('HGET', ikey, 'state') ~= 'running' or redis.call('HGET', ikey, 'owner') ~= ARGV[2] then
  return {'lost'}
end
redis.call('HSET', ikey, 'state', 'succeeded', 'completed_at_ms', ARGV[3])
redis.call('HDEL', ikey, 'owner', 'lease_expiry_ms')
redis.call('SREM', KEYS[2], ARGV[1])

local node = redis.call('HGET', ikey, 'node_id')
local children = redis.call('HGET', ARGV[5] .. run .. ':children', node)
local ready = {}
if children then
  for child in string.gmatch(children, '[^,]+') do
    local left = redis.call('HINCRBY', ARGV[5] .. run .. ':deps', child, -1)
    if left == 0 then
      table.insert(ready, child)
    end
  end
end
table.sort(ready)
for _, child in ipairs(ready) do
  redis.call('HSET', ARGV[4] .. child, 'state', 'ready', 'enqueued_at_ms', ARGV[3])
  redis.call('RPUSH', KEYS[1], child)
end
return {'ok', unpack(ready)}
`)

// failScript records a task failure: either parks the instance in the
// delayed set with an exponential backoff or dead-letters it once the
// attempt counter reaches the budget.
//
// KEYS: delayed zset, running set, dead set
// ARGV: instance ID, worker ID, now (unix ms), max attempts,
//       backoff base (ms), backoff cap (ms), error summary,
//       instance key prefix, run key prefix
var failScript = redis.NewScript(`
local ikey = ARGV[8] .. ARGV[1]
local run = redis.call('HGET', ikey, 'run_id')
if run and redis.call('EXISTS', ARGV[9] .. run .. ':cancelled') == 1 then
  return {'cancelled'}
end
if redis.call('HGET', ikey, 'state') ~= 'running' or redis.call('HGET', ikey, 'owner') ~= ARGV[2] then
  return {'lost'}
end
redis.call('HDEL', ikey, 'owner', 'lease_expiry_ms')
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HSET', ikey, 'error', ARGV[7])
local attempt = redis.call('HINCRBY', ikey, 'attempt', 1)
if attempt >= tonumber(ARGV[4]) then
  redis.call('HSET', ikey, 'state', 'dead_lettered', 'completed_at_ms', ARGV[3])
  redis.call('SADD', KEYS[3], ARGV[1])
  return {'dead', attempt}
end
local delay = tonumber(ARGV[5]) * 2 ^ attempt
if delay > tonumber(ARGV[6]) then
  delay = tonumber(ARGV[6])
end
local due = tonumber(ARGV[3]) + delay
redis.call('HSET', ikey, 'state', 'failed_retryable')
redis.call('ZADD', KEYS[1], due, ARGV[1])
return {'retry', attempt, tostring(due)}
`)

// releaseScript returns an instance whose lease lapsed to the ready queue.
// The expiry is re-checked inside the script so concurrent reapers and late
// heartbeats cannot race it; a renewed or already-moved instance is a no-op.
// The release consumes one retry slot to bound flapping owners.
//
// KEYS: ready list, running set, dead set
// ARGV: instance ID, now (unix ms), max attempts, instance key prefix
var releaseScript = redis.NewScript(`
local ikey = ARGV[4] .. ARGV[1]
if redis.call('HGET', ikey, 'state') ~= 'running' then
  return {'noop'}
end
local exp = tonumber(redis.call('HGET', ikey, 'lease_expiry_ms'))
if exp and exp > tonumber(ARGV[2]) then
  return {'noop'}
end
redis.call('HDEL', ikey, 'owner', 'lease_expiry_ms')
redis.call('SREM', KEYS[2], ARGV[1])
local attempt = redis.call('HINCRBY', ikey, 'attempt', 1)
if attempt >= tonumber(ARGV[3]) then
  redis.call('HSET', ikey, 'state', 'dead_lettered',
    'error', 'lease expired: owner presumed dead',
    'completed_at_ms', ARGV[2])
  redis.call('SADD', KEYS[3], ARGV[1])
  return {'dead', attempt}
end
redis.call('HSET', ikey, 'state', 'ready', 'enqueued_at_ms', ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return {'released', attempt}
`)

// promoteScript moves instances whose retry delay elapsed back to ready.
//
// KEYS: ready list, delayed zset
// ARGV: now (unix ms), instance key prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], 0, ARGV[1])
if #due == 0 then
  return 0
end
for _, id in ipairs(due) do
  redis.call('HSET', ARGV[2] .. id, 'state', 'ready', 'enqueued_at_ms', ARGV[1])
  redis.call('RPUSH', KEYS[1], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], 0, ARGV[1])
return #due
`)

// enqueueRootsScript readies the dependency-free instances of a freshly
// created run. The pending check keeps a replayed Trigger from enqueueing an
// instance twice.
//
// KEYS: ready list
// ARGV: now (unix ms), instance key prefix, then the root instance IDs
var enqueueRootsScript = redis.NewScript(`
local count = 0
for i = 3, #ARGV do
  local ikey = ARGV[2] .. ARGV[i]
  if redis.call('HGET', ikey, 'state') == 'pending' then
    redis.call('HSET', ikey, 'state', 'ready', 'enqueued_at_ms', ARGV[1])
    redis.call('RPUSH', KEYS[1], ARGV[i])
    count = count + 1
  end
end
return count
`)

// cancelScript flags the run as cancelled and dead-letters every instance
// that has not reached a terminal state. Running instances lose their lease
// here; their workers observe the cancellation on the next heartbeat.
//
// KEYS: ready list, delayed zset, running set, dead set,
//       run instances set, run cancelled key
// ARGV: now (unix ms), instance key prefix
var cancelScript = redis.NewScript(`
redis.call('SET', KEYS[6], ARGV[1])
local cancelled = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[5])) do
  local ikey = ARGV[2] .. id
  local state = redis.call('HGET', ikey, 'state')
  if state and state ~= 'succeeded' and state ~= 'dead_lettered' then
    redis.call('HSET', ikey, 'state', 'dead_lettered',
      'error', 'run cancelled',
      'completed_at_ms', ARGV[1])
    redis.call('HDEL', ikey, 'owner', 'lease_expiry_ms')
    redis.call('LREM', KEYS[1], 0, id)
    redis.call('ZREM', KEYS[2], id)
    redis.call('SREM', KEYS[3], id)
    redis.call('SADD', KEYS[4], id)
    cancelled = cancelled + 1
  end
end
return cancelled
`)
