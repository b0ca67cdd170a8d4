package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that claims and runs jobs.
type Worker struct {
	id       string
	broker   *Broker
	config   *config.QueueConfig
	launcher Launcher
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id string, broker *Broker, cfg *config.QueueConfig, launcher Launcher, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		broker:       broker,
		config:       cfg,
		launcher:     launcher,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrQueuePaused) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next job, runs it in a child process, and
// records the terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Claim next job (atomic pending→active + lock)
	job, err := w.broker.claim(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "worker_id", w.id)
	log.Info("Job claimed",
		"type", job.Payload.Type, "tenant", job.Payload.Tenant, "attempt", job.Attempts)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	w.broker.emit(ctx, observability.EventJobStarted, job, map[string]any{
		"attempt": job.Attempts,
		"worker":  w.id,
	})

	// 2. Create job context with timeout
	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// Admin cancellation is tracked separately from shutdown and timeout
	// so the job finalizes as cancelled instead of being left for recovery.
	var adminCancelled atomic.Bool
	cancelAsAdmin := func() {
		adminCancelled.Store(true)
		cancelJob()
	}

	// 3. Register cancel function for admin-triggered cancellation
	w.pool.RegisterJob(job.ID, cancelAsAdmin)
	defer w.pool.UnregisterJob(job.ID)

	// 4. Keep the lock alive and watch for cancel requests
	lockCtx, stopLockRenewal := context.WithCancel(jobCtx)
	defer stopLockRenewal()
	go w.maintainLock(lockCtx, job.ID, cancelAsAdmin, cancelJob)

	// 5. Resume contract: resuming a run that never recorded state is a
	// permanent failure — there is nothing to resume from.
	root := tenant.Root(w.broker.projectRoot, job.Payload.Tenant)
	if job.Payload.Resume {
		if _, err := graph.LoadState(root, job.Payload.RunID); err != nil {
			if errors.Is(err, graph.ErrStateNotFound) {
				msg := fmt.Sprintf("resume requested but no state exists for run %s", job.Payload.RunID)
				return w.broker.failJob(context.Background(), job, msg, exitcode.ResumeStateMissing)
			}
			return w.broker.failJob(context.Background(), job,
				fmt.Sprintf("loading run state: %v", err), exitcode.GenericFailure)
		}
	}

	// 6. Run the job in a child process, streaming output into the log ring
	stdout := newLogStream(w.broker, job.ID, streamOut)
	stderr := newLogStream(w.broker, job.ID, streamErr)
	code, launchErr := w.launcher.Launch(jobCtx, job, stdout, stderr)
	stopLockRenewal()
	stdout.Flush()
	stderr.Flush()

	// 7. Record the terminal state (fresh context — jobCtx may be done)
	finalCtx := context.Background()

	var finalErr error
	switch {
	case launchErr == nil && code == exitcode.OK:
		artifacts := collectArtifacts(root, job.Payload.AUVID, job.CreatedAt)
		finalErr = w.broker.completeJob(finalCtx, job, &Result{
			RunID:     job.Payload.RunID,
			Artifacts: artifacts,
		})
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("job timed out after %v", w.config.JobTimeout)
		finalErr = w.finish(finalCtx, job, exitcode.JobTimeout, msg, stderr.Tail(), true)
	case errors.Is(jobCtx.Err(), context.Canceled) && adminCancelled.Load():
		finalErr = w.broker.cancelActiveJob(finalCtx, job, "cancelled by request")
	case errors.Is(jobCtx.Err(), context.Canceled):
		// Shutdown or lost lock. Leave the job active: the lock expires,
		// the stalled scan returns it to pending, and the next worker
		// resumes from the persisted run state.
		log.Info("Job interrupted, leaving for stalled recovery")
	case launchErr != nil:
		finalErr = w.finish(finalCtx, job, exitcode.GenericFailure,
			fmt.Sprintf("launching runner: %v", launchErr), stderr.Tail(), true)
	default:
		msg := fmt.Sprintf("runner exited with code %d", code)
		finalErr = w.finish(finalCtx, job, code, msg, stderr.Tail(), retryableExit(code))
	}
	if finalErr != nil {
		log.Error("Failed to finalize job", "error", finalErr)
		return finalErr
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete")
	return nil
}

// finish retries the job when attempts remain and the failure class
// allows it, and fails the job permanently otherwise. The stderr tail is
// folded into the recorded error.
func (w *Worker) finish(ctx context.Context, job *Job, code int, msg, tail string, retryable bool) error {
	full := msg
	if tail != "" {
		full = msg + "\nstderr tail:\n" + tail
	}
	if retryable && job.Attempts < job.MaxAttempts {
		return w.broker.retryJob(ctx, job, full, code)
	}
	return w.broker.failJob(ctx, job, full, code)
}

// retryableExit reports whether another attempt could change the
// outcome. Payload, permission, and resume-state failures are
// deterministic, so retrying them only burns attempts.
func retryableExit(code int) bool {
	switch code {
	case exitcode.Usage, exitcode.PermissionDenied, exitcode.ResumeStateMissing,
		exitcode.JobCancelled, exitcode.InvalidPayload:
		return false
	}
	return true
}

// maintainLock renews the job lock on a fixed interval and polls for
// admin cancel requests. A lost lock kills the runner without finalizing
// anything: another worker may already own the job.
func (w *Worker) maintainLock(ctx context.Context, jobID string, cancelAsAdmin, cancelLost context.CancelFunc) {
	ticker := time.NewTicker(w.config.LockRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.broker.renewLock(ctx, jobID, w.id)
			if err != nil {
				slog.Warn("Lock renewal failed", "job_id", jobID, "error", err)
				continue
			}
			if !ok {
				slog.Warn("Job lock lost, stopping runner", "job_id", jobID, "worker_id", w.id)
				cancelLost()
				return
			}

			cancelled, err := w.broker.cancelRequested(ctx, jobID)
			if err != nil {
				slog.Warn("Cancel check failed", "job_id", jobID, "error", err)
				continue
			}
			if cancelled {
				slog.Info("Cancel requested, stopping runner", "job_id", jobID)
				cancelAsAdmin()
				return
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int63n(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
