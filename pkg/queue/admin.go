package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
)

// Pause suspends claiming. Running jobs finish; new claims wait until
// Resume.
func (b *Broker) Pause(ctx context.Context) error {
	if err := b.rdb.Set(ctx, b.keys.paused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("pausing queue: %w", err)
	}
	slog.Info("Queue paused", "namespace", b.keys.ns)
	return nil
}

// Resume lifts a pause.
func (b *Broker) Resume(ctx context.Context) error {
	if err := b.rdb.Del(ctx, b.keys.paused()).Err(); err != nil {
		return fmt.Errorf("resuming queue: %w", err)
	}
	slog.Info("Queue resumed", "namespace", b.keys.ns)
	return nil
}

// Paused reports whether claiming is suspended.
func (b *Broker) Paused(ctx context.Context) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.keys.paused()).Result()
	if err != nil {
		return false, fmt.Errorf("reading pause flag: %w", err)
	}
	return n > 0, nil
}

// List returns jobs in the given state: pending, delayed, and active in
// queue order, terminal states newest first.
func (b *Broker) List(ctx context.Context, state JobState, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	key := b.keys.state(state)
	var ids []string
	var err error
	switch state {
	case StatePending, StateDelayed, StateActive:
		ids, err = b.rdb.ZRange(ctx, key, 0, limit-1).Result()
	default:
		ids, err = b.rdb.ZRevRange(ctx, key, 0, limit-1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", state, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if err != nil {
			// Terminal sets can outlive their hashes: records expire with
			// the retention TTL while the set member waits for Clean.
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Logs returns the last n lines from the job's log ring.
func (b *Broker) Logs(ctx context.Context, id string, n int64) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	lines, err := b.rdb.LRange(ctx, b.keys.logs(id), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading logs for %s: %w", id, err)
	}
	return lines, nil
}

// Cancel requests cancellation of a job. Pending and delayed jobs are
// finalized immediately; active jobs get a cancel flag that the owning
// worker honors on its next lock-renewal tick by killing the child
// process. Run state under the tenant root stays persisted, so a
// cancelled run can be resubmitted with resume. Returns the job as of
// the request; an active job's state flips once its worker reacts.
func (b *Broker) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.State)
	}

	// ZREM doubles as the claim race check: zero removals means a worker
	// got there first and the job must be cancelled as active instead.
	for _, state := range []JobState{StatePending, StateDelayed} {
		n, err := b.rdb.ZRem(ctx, b.keys.state(state), id).Result()
		if err != nil {
			return nil, fmt.Errorf("cancelling job %s: %w", id, err)
		}
		if n > 0 {
			if err := b.finalizeCancelled(ctx, job, state, "cancelled before start"); err != nil {
				return nil, err
			}
			return b.Get(ctx, id)
		}
	}

	if err := b.rdb.HSet(ctx, b.keys.job(id), "cancel_requested", "1").Err(); err != nil {
		return nil, fmt.Errorf("requesting cancel for %s: %w", id, err)
	}
	slog.Info("Cancel requested", "job_id", id)
	return b.Get(ctx, id)
}

// CleanOlderThan removes terminal job records older than age. Returns
// the number removed.
func (b *Broker) CleanOlderThan(ctx context.Context, age time.Duration, state JobState) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("clean applies to terminal states, not %s", state)
	}
	cutoff := b.now().UnixMilli() - age.Milliseconds()
	key := b.keys.state(state)
	ids, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing %s jobs for clean: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, b.keys.job(id), b.keys.logs(id))
		pipe.ZRem(ctx, key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cleaning %s jobs: %w", state, err)
	}
	slog.Info("Cleaned jobs", "state", string(state), "count", len(ids), "older_than", age)
	return len(ids), nil
}

// Drain removes every pending and delayed job without running them.
// Active jobs are untouched.
func (b *Broker) Drain(ctx context.Context) (int, error) {
	total := 0
	for _, state := range []JobState{StatePending, StateDelayed} {
		key := b.keys.state(state)
		ids, err := b.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return total, fmt.Errorf("listing %s jobs for drain: %w", state, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := b.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, b.keys.job(id), b.keys.logs(id))
		}
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return total, fmt.Errorf("draining %s jobs: %w", state, err)
		}
		total += len(ids)
	}
	slog.Info("Queue drained", "removed", total)
	return total, nil
}

// Metrics returns per-state counts plus the age of the oldest pending
// job.
func (b *Broker) Metrics(ctx context.Context) (*QueueMetrics, error) {
	pipe := b.rdb.Pipeline()
	cards := make(map[JobState]*redis.IntCmd, len(AllStates))
	for _, state := range AllStates {
		cards[state] = pipe.ZCard(ctx, b.keys.state(state))
	}
	pausedCmd := pipe.Exists(ctx, b.keys.paused())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading queue metrics: %w", err)
	}

	counts := make(map[JobState]int64, len(AllStates))
	for state, cmd := range cards {
		counts[state] = cmd.Val()
	}
	metrics := &QueueMetrics{
		Counts: counts,
		Paused: pausedCmd.Val() > 0,
	}

	// Pending is priority-ordered, not age-ordered, so sample a bounded
	// prefix and take the minimum created_at.
	ids, err := b.rdb.ZRange(ctx, b.keys.state(StatePending), 0, 255).Result()
	if err != nil {
		return nil, fmt.Errorf("sampling pending jobs: %w", err)
	}
	if len(ids) > 0 {
		agePipe := b.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = agePipe.HGet(ctx, b.keys.job(id), "created_at")
		}
		_, _ = agePipe.Exec(ctx) // individual misses surface as redis.Nil below
		var oldest int64
		for _, cmd := range cmds {
			ms, err := cmd.Int64()
			if err != nil {
				continue
			}
			if oldest == 0 || ms < oldest {
				oldest = ms
			}
		}
		if oldest > 0 {
			metrics.OldestPendingAge = time.Duration(b.now().UnixMilli()-oldest) * time.Millisecond
		}
	}
	return metrics, nil
}

// Monitor subscribes to the queue event stream. Events arrive as they
// are published; the returned stop function unsubscribes and ends the
// channel.
func (b *Broker) Monitor(ctx context.Context) (<-chan observability.Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, b.keys.events())
	// Confirm the subscription before exposing the channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribing to queue events: %w", err)
	}

	out := make(chan observability.Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev observability.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("Skipping malformed queue event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
