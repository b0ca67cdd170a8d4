package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/auth"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// Connect opens and verifies a Redis connection from a REDIS_URL-style
// URL (redis://, rediss://, or unix://).
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Broker owns the durable queue state in Redis and emits an
// observability event for every job transition.
type Broker struct {
	rdb         *redis.Client
	cfg         *config.QueueConfig
	projectRoot string
	auth        *auth.Service
	policies    *policy.Policies
	keys        keys
	now         func() time.Time
}

// BrokerOptions configures a Broker. Client is required. A nil Auth
// skips authorization (embedded use); a nil Policies skips tenant
// ceilings.
type BrokerOptions struct {
	Client      *redis.Client
	Config      *config.QueueConfig
	ProjectRoot string
	Auth        *auth.Service
	Policies    *policy.Policies
}

// NewBroker creates a broker over an established Redis connection.
func NewBroker(opts BrokerOptions) *Broker {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	root := opts.ProjectRoot
	if root == "" {
		root = "."
	}
	return &Broker{
		rdb:         opts.Client,
		cfg:         cfg,
		projectRoot: root,
		auth:        opts.Auth,
		policies:    opts.Policies,
		keys:        keys{ns: cfg.Namespace},
		now:         time.Now,
	}
}

// Enqueue validates, authorizes, and durably records a job submission.
// Gates run in order: caller authorization, payload schema, graph file
// existence, tenant policy. Nothing is persisted unless every gate
// passes; policy denials leave only an audit event behind.
func (b *Broker) Enqueue(ctx context.Context, p Payload, token string) (*Job, error) {
	p.Tenant = tenant.Normalize(p.Tenant)
	if p.Type == "" {
		p.Type = "run_graph"
	}

	if b.auth != nil {
		if _, err := b.auth.Authorize(token, auth.PermEnqueueJobs, p.Tenant); err != nil {
			if errors.Is(err, auth.ErrPermissionDenied) || errors.Is(err, auth.ErrTenantForbidden) {
				b.audit(p, err)
			}
			return nil, err
		}
	}

	if err := schema.ValidateValue(schema.Job, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := tenant.Validate(p.Tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if !filepath.IsLocal(p.GraphFile) {
		return nil, fmt.Errorf("%w: graph file %q escapes the project root", ErrInvalidPayload, p.GraphFile)
	}
	if _, err := os.Stat(filepath.Join(b.projectRoot, p.GraphFile)); err != nil {
		return nil, fmt.Errorf("%w: graph file %q: %v", ErrInvalidPayload, p.GraphFile, err)
	}

	var budget float64
	var caps []string
	if p.Constraints != nil {
		budget = p.Constraints.BudgetUSD
		caps = p.Constraints.RequiredCapabilities
	}
	if err := auth.CheckTenantPolicy(b.policies, p.Tenant, budget, caps); err != nil {
		b.audit(p, err)
		return nil, err
	}

	now := b.now().UTC()
	if p.RunID == "" {
		p.RunID = graph.NewRunID(now)
	}
	id, err := newJobID(p.Type, p.Tenant, now)
	if err != nil {
		return nil, err
	}
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	seq, err := b.rdb.Incr(ctx, b.keys.seq()).Result()
	if err != nil {
		return nil, fmt.Errorf("allocating enqueue sequence: %w", err)
	}
	score := pendingScore(p.Priority, seq)

	job := &Job{
		ID:          id,
		Payload:     p,
		State:       StatePending,
		MaxAttempts: b.cfg.MaxAttempts,
		CreatedAt:   now,
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.keys.job(id),
		"payload", string(payloadJSON),
		"state", string(StatePending),
		"attempts", "0",
		"max_attempts", strconv.Itoa(b.cfg.MaxAttempts),
		"stalled", "0",
		"score", strconv.FormatFloat(score, 'f', -1, 64),
		"created_at", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.ZAdd(ctx, b.keys.state(StatePending), redis.Z{Score: score, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("persisting job %s: %w", id, err)
	}

	b.emit(ctx, observability.EventJobEnqueued, job, map[string]any{
		"type":       p.Type,
		"graph_file": p.GraphFile,
		"priority":   p.Priority,
	})
	slog.Info("Job enqueued",
		"job_id", id, "tenant", p.Tenant, "run_id", p.RunID, "priority", p.Priority)
	return job, nil
}

// newJobID builds "<type>-<tenant>-<epoch_ms>-<6hex>"; the random suffix
// disambiguates submissions landing on the same millisecond.
func newJobID(jobType, tenantName string, now time.Time) (string, error) {
	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	return fmt.Sprintf("%s-%s-%d-%s",
		jobType, tenantName, now.UnixMilli(), hex.EncodeToString(suffix[:])), nil
}

// Get returns the durable record for one job.
func (b *Broker) Get(ctx context.Context, id string) (*Job, error) {
	h, err := b.rdb.HGetAll(ctx, b.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	return jobFromHash(id, h)
}

// claim atomically moves the best pending job to active under a lock
// owned by workerID. Returns ErrQueuePaused or ErrNoJobsAvailable when
// nothing was claimed.
func (b *Broker) claim(ctx context.Context, workerID string) (*Job, error) {
	id, err := claimScript.Run(ctx, b.rdb,
		[]string{b.keys.state(StatePending), b.keys.state(StateActive), b.keys.paused()},
		workerID,
		b.cfg.LockDuration.Milliseconds(),
		b.now().UnixMilli(),
		b.keys.ns,
	).Text()
	if errors.Is(err, redis.Nil) {
		paused, perr := b.rdb.Exists(ctx, b.keys.paused()).Result()
		if perr == nil && paused > 0 {
			return nil, ErrQueuePaused
		}
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	job, err := b.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading claimed job %s: %w", id, err)
	}
	recordJobEvent("job.claimed", job.Payload.Tenant)
	return job, nil
}

// renewLock extends the worker's job lock. ok=false means the lock was
// lost: it expired and another worker may already own the job.
func (b *Broker) renewLock(ctx context.Context, jobID, workerID string) (bool, error) {
	n, err := renewLockScript.Run(ctx, b.rdb,
		[]string{b.keys.lock(jobID)},
		workerID,
		b.cfg.LockDuration.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("renewing lock for %s: %w", jobID, err)
	}
	return n == 1, nil
}

// cancelRequested reports whether an admin asked for this job to stop.
func (b *Broker) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	v, err := b.rdb.HGet(ctx, b.keys.job(jobID), "cancel_requested").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// completeJob finalizes a successful run: result recorded, retention TTL
// applied, lock released.
func (b *Broker) completeJob(ctx context.Context, job *Job, result *Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	now := b.now().UTC()

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.keys.state(StateActive), job.ID)
	pipe.ZAdd(ctx, b.keys.state(StateCompleted), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, b.keys.job(job.ID),
		"state", string(StateCompleted),
		"finished_at", strconv.FormatInt(now.UnixMilli(), 10),
		"result", string(resultJSON),
		"progress", "100",
		"error", "",
		"exit_code", "0",
	)
	pipe.PExpire(ctx, b.keys.job(job.ID), b.cfg.CompletedTTL)
	pipe.PExpire(ctx, b.keys.logs(job.ID), b.cfg.CompletedTTL)
	pipe.Del(ctx, b.keys.lock(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finalizing job %s: %w", job.ID, err)
	}

	b.emit(ctx, observability.EventJobCompleted, job, map[string]any{
		"run_id":      result.RunID,
		"artifacts":   len(result.Artifacts),
		"duration_ms": durationMS(job.StartedAt, now),
	})
	if !job.StartedAt.IsZero() {
		recordJobDuration(StateCompleted, now.Sub(job.StartedAt))
	}
	slog.Info("Job completed",
		"job_id", job.ID, "run_id", result.RunID, "artifacts", len(result.Artifacts))
	return nil
}

// failJob finalizes a permanently failed job.
func (b *Broker) failJob(ctx context.Context, job *Job, msg string, exitCode int) error {
	now := b.now().UTC()

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.keys.state(StateActive), job.ID)
	pipe.ZAdd(ctx, b.keys.state(StateFailed), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, b.keys.job(job.ID),
		"state", string(StateFailed),
		"finished_at", strconv.FormatInt(now.UnixMilli(), 10),
		"error", msg,
		"exit_code", strconv.Itoa(exitCode),
	)
	pipe.PExpire(ctx, b.keys.job(job.ID), b.cfg.FailedTTL)
	pipe.PExpire(ctx, b.keys.logs(job.ID), b.cfg.FailedTTL)
	pipe.Del(ctx, b.keys.lock(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failing job %s: %w", job.ID, err)
	}

	b.emit(ctx, observability.EventJobFailed, job, map[string]any{
		"error":     msg,
		"exit_code": exitCode,
		"attempt":   job.Attempts,
	})
	if !job.StartedAt.IsZero() {
		recordJobDuration(StateFailed, now.Sub(job.StartedAt))
	}
	slog.Warn("Job failed",
		"job_id", job.ID, "attempt", job.Attempts, "exit_code", exitCode, "error", msg)
	return nil
}

// retryJob schedules another attempt with exponential backoff. The job
// moves to the delayed set and is promoted once the backoff elapses.
func (b *Broker) retryJob(ctx context.Context, job *Job, msg string, exitCode int) error {
	delay := backoffDelay(b.cfg.BackoffBase, job.Attempts)
	readyAt := b.now().UTC().Add(delay)

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.keys.state(StateActive), job.ID)
	pipe.ZAdd(ctx, b.keys.state(StateDelayed), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, b.keys.job(job.ID),
		"state", string(StateDelayed),
		"error", msg,
		"exit_code", strconv.Itoa(exitCode),
		"worker", "",
	)
	pipe.Del(ctx, b.keys.lock(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("scheduling retry for job %s: %w", job.ID, err)
	}

	b.emit(ctx, observability.EventJobRetried, job, map[string]any{
		"attempt":      job.Attempts,
		"max_attempts": job.MaxAttempts,
		"delay_ms":     delay.Milliseconds(),
		"error":        msg,
	})
	slog.Info("Job retry scheduled",
		"job_id", job.ID, "attempt", job.Attempts, "delay", delay)
	return nil
}

// cancelActiveJob finalizes a job whose child process was just killed on
// an admin's cancel request. Run state under the tenant root is left
// untouched so the run can be resumed later.
func (b *Broker) cancelActiveJob(ctx context.Context, job *Job, reason string) error {
	return b.finalizeCancelled(ctx, job, StateActive, reason)
}

func (b *Broker) finalizeCancelled(ctx context.Context, job *Job, from JobState, reason string) error {
	now := b.now().UTC()

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, b.keys.state(from), job.ID)
	pipe.ZAdd(ctx, b.keys.state(StateCancelled), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
	pipe.HSet(ctx, b.keys.job(job.ID),
		"state", string(StateCancelled),
		"finished_at", strconv.FormatInt(now.UnixMilli(), 10),
		"error", reason,
		"exit_code", strconv.Itoa(exitcode.JobCancelled),
	)
	pipe.PExpire(ctx, b.keys.job(job.ID), b.cfg.FailedTTL)
	pipe.PExpire(ctx, b.keys.logs(job.ID), b.cfg.FailedTTL)
	pipe.Del(ctx, b.keys.lock(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancelling job %s: %w", job.ID, err)
	}

	b.emit(ctx, observability.EventJobCancelled, job, map[string]any{"reason": reason})
	slog.Info("Job cancelled", "job_id", job.ID, "reason", reason)
	return nil
}

// promoteDelayed moves due delayed jobs back to pending. Returns how
// many were promoted this pass.
func (b *Broker) promoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteDelayedScript.Run(ctx, b.rdb,
		[]string{b.keys.state(StateDelayed), b.keys.state(StatePending)},
		b.now().UnixMilli(),
		b.keys.ns,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promoting delayed jobs: %w", err)
	}
	return n, nil
}

// Outcomes of a stalled-recovery attempt, as returned by the script.
type stalledOutcome string

const (
	stalledLocked    stalledOutcome = "locked"
	stalledGone      stalledOutcome = "gone"
	stalledRequeued  stalledOutcome = "requeued"
	stalledExhausted stalledOutcome = "failed"
)

// requeueStalled recovers one active job whose lock expired: back to
// pending with its original priority, or failed once the stalled ceiling
// is hit. Jobs whose lock is still held are left alone.
func (b *Broker) requeueStalled(ctx context.Context, id string) (stalledOutcome, error) {
	msg := fmt.Sprintf(
		"job stalled more than %d times: worker lock expired without completion",
		b.cfg.MaxStalled)
	res, err := requeueStalledScript.Run(ctx, b.rdb,
		[]string{
			b.keys.state(StateActive),
			b.keys.state(StatePending),
			b.keys.state(StateFailed),
			b.keys.lock(id),
			b.keys.job(id),
		},
		id,
		b.now().UnixMilli(),
		b.cfg.MaxStalled,
		msg,
		exitcode.GenericFailure,
	).Text()
	if err != nil {
		return "", fmt.Errorf("recovering stalled job %s: %w", id, err)
	}
	outcome := stalledOutcome(res)
	if outcome != stalledRequeued && outcome != stalledExhausted {
		return outcome, nil
	}

	job, err := b.Get(ctx, id)
	if err != nil {
		slog.Warn("Stalled job recovered but unreadable", "job_id", id, "error", err)
		return outcome, nil
	}
	b.emit(ctx, observability.EventJobStalled, job, map[string]any{
		"stalled":     job.Stalled,
		"max_stalled": b.cfg.MaxStalled,
		"outcome":     string(outcome),
	})
	if outcome == stalledExhausted {
		pipe := b.rdb.Pipeline()
		pipe.PExpire(ctx, b.keys.job(id), b.cfg.FailedTTL)
		pipe.PExpire(ctx, b.keys.logs(id), b.cfg.FailedTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("Failed to set retention on stalled job", "job_id", id, "error", err)
		}
		b.emit(ctx, observability.EventJobFailed, job, map[string]any{
			"error":     job.Error,
			"exit_code": job.ExitCode,
			"attempt":   job.Attempts,
		})
		slog.Warn("Stalled job exhausted", "job_id", id, "stalled", job.Stalled)
	} else {
		slog.Info("Stalled job requeued", "job_id", id, "stalled", job.Stalled)
	}
	return outcome, nil
}

// appendLog pushes one line onto the job's capped log ring.
func (b *Broker) appendLog(ctx context.Context, jobID, line string) {
	pipe := b.rdb.Pipeline()
	pipe.RPush(ctx, b.keys.logs(jobID), line)
	pipe.LTrim(ctx, b.keys.logs(jobID), -b.cfg.LogMaxLines, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to append job log", "job_id", jobID, "error", err)
	}
}

// setProgress records the latest progress percentage parsed from runner
// output. Best-effort.
func (b *Broker) setProgress(ctx context.Context, jobID string, pct int) {
	if err := b.rdb.HSet(ctx, b.keys.job(jobID), "progress", strconv.Itoa(pct)).Err(); err != nil {
		slog.Warn("Failed to record job progress", "job_id", jobID, "error", err)
	}
}

// emit appends the event to the tenant's hook log, publishes it on the
// queue event channel, and bumps the matching counter. Observability
// failures are logged, never returned: the queue transition already
// happened.
func (b *Broker) emit(ctx context.Context, event string, job *Job, payload map[string]any) {
	b.publish(ctx, event, observability.Event{
		Event:  event,
		JobID:  job.ID,
		RunID:  job.Payload.RunID,
		AUV:    job.Payload.AUVID,
		Tenant: job.Payload.Tenant,
	}, payload)
}

// audit records a denied submission. No durable job exists, so the event
// carries the would-be ids only.
func (b *Broker) audit(p Payload, reason error) {
	b.publish(context.Background(), observability.EventPolicyDenied, observability.Event{
		Event:  observability.EventPolicyDenied,
		RunID:  p.RunID,
		AUV:    p.AUVID,
		Tenant: p.Tenant,
	}, map[string]any{
		"reason":     reason.Error(),
		"type":       p.Type,
		"graph_file": p.GraphFile,
	})
}

func (b *Broker) publish(ctx context.Context, event string, ev observability.Event, payload map[string]any) {
	ev.TS = b.now().UnixMilli()
	ev.Payload = payload

	sink := observability.NewSink(tenant.Root(b.projectRoot, ev.Tenant))
	if err := sink.Append(ev); err != nil {
		slog.Warn("Failed to append hook event", "event", event, "error", err)
	}

	raw, err := json.Marshal(ev)
	if err == nil {
		if err := b.rdb.Publish(ctx, b.keys.events(), raw).Err(); err != nil {
			slog.Warn("Failed to publish queue event", "event", event, "error", err)
		}
	}
	recordJobEvent(event, ev.Tenant)
}

// backoffDelay doubles per attempt from the configured base, capped so a
// deep retry chain cannot park a job for hours.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	const maxDelay = 15 * time.Minute
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}

func durationMS(start, end time.Time) int64 {
	if start.IsZero() {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

func jobFromHash(id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := &Job{ID: id}
	if err := json.Unmarshal([]byte(h["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload for job %s: %w", id, err)
	}
	job.State = JobState(h["state"])
	job.Worker = h["worker"]
	job.Error = h["error"]
	job.Attempts = hashInt(h, "attempts")
	job.MaxAttempts = hashInt(h, "max_attempts")
	job.Stalled = hashInt(h, "stalled")
	job.Progress = hashInt(h, "progress")
	job.ExitCode = hashInt(h, "exit_code")
	job.CreatedAt = hashTime(h, "created_at")
	job.StartedAt = hashTime(h, "started_at")
	job.FinishedAt = hashTime(h, "finished_at")
	if raw := h["result"]; raw != "" {
		var res Result
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			job.Result = &res
		}
	}
	return job, nil
}

func hashInt(h map[string]string, field string) int {
	n, _ := strconv.Atoi(h[field])
	return n
}

func hashTime(h map[string]string, field string) time.Time {
	ms, err := strconv.ParseInt(h[field], 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
