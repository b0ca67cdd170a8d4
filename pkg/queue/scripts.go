package queue

import "github.com/redis/go-redis/v9"

// keys derives every Redis key from the queue namespace. One queue
// instance owns everything under "<ns>:".
type keys struct {
	ns string
}

func (k keys) job(id string) string  { return k.ns + ":job:" + id }
func (k keys) lock(id string) string { return k.ns + ":lock:" + id }
func (k keys) logs(id string) string { return k.ns + ":logs:" + id }
func (k keys) paused() string        { return k.ns + ":paused" }
func (k keys) seq() string           { return k.ns + ":seq" }
func (k keys) events() string        { return k.ns + ":events" }

// state returns the per-state sorted set. Pending is scored by priority
// band + sequence, delayed by ready-at time, the rest by transition time.
func (k keys) state(s JobState) string { return k.ns + ":" + string(s) }

// priorityBand separates priority classes in the pending set score.
// Priority 0..100 inverts into bands (higher priority = lower band) and
// the enqueue sequence breaks ties FIFO within a band. The largest
// possible score, 101*2^40, stays well inside float64 exact-integer
// range, so ZSET ordering is total.
const priorityBand = int64(1) << 40

func pendingScore(priority int, seq int64) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}
	return float64(int64(100-priority)*priorityBand + seq)
}

// claimScript pops the best pending job and takes its lock in one atomic
// step. KEYS: pending zset, active zset, paused flag. ARGV: worker id,
// lock TTL ms, now ms, namespace. Returns the job id, or nil when the
// queue is paused or empty.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), id)
redis.call('SET', ARGV[4] .. ':lock:' .. id, ARGV[1], 'PX', tonumber(ARGV[2]))
redis.call('HSET', ARGV[4] .. ':job:' .. id,
  'state', 'active', 'worker', ARGV[1], 'started_at', ARGV[3], 'progress', '0', 'error', '')
redis.call('HINCRBY', ARGV[4] .. ':job:' .. id, 'attempts', 1)
return id
`)

// renewLockScript extends the lock only while this worker still owns it.
// KEYS: lock. ARGV: worker id, lock TTL ms. Returns 1 on renewal, 0 when
// the lock expired or was taken over.
var renewLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  return 1
end
return 0
`)

// promoteDelayedScript moves due jobs from delayed back to pending with
// their original priority score. KEYS: delayed zset, pending zset.
// ARGV: now ms, namespace. Returns the number promoted (bounded per call
// so a large backlog cannot monopolize Redis).
var promoteDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', ARGV[2] .. ':job:' .. id, 'score')
  if not score then
    score = '0'
  end
  redis.call('ZADD', KEYS[2], tonumber(score), id)
  redis.call('HSET', ARGV[2] .. ':job:' .. id, 'state', 'pending', 'worker', '')
end
return #due
`)

// requeueStalledScript recovers one active job whose lock expired. KEYS:
// active zset, pending zset, failed zset, lock, job hash. ARGV: job id,
// now ms, stalled ceiling, error message, exit code. Returns "locked"
// when the owner is alive, "gone" when another scanner already handled
// it, "requeued" on recovery, "failed" when the stalled ceiling is hit.
var requeueStalledScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return 'locked'
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 'gone'
end
local stalled = redis.call('HINCRBY', KEYS[5], 'stalled', 1)
if stalled > tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[5],
    'state', 'failed', 'error', ARGV[4], 'finished_at', ARGV[2], 'exit_code', ARGV[5])
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
  return 'failed'
end
redis.call('HSET', KEYS[5], 'state', 'pending', 'worker', '')
local score = redis.call('HGET', KEYS[5], 'score')
if not score then
  score = '0'
end
redis.call('ZADD', KEYS[2], tonumber(score), ARGV[1])
return 'requeued'
`)
