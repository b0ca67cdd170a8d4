package config

import (
	"fmt"
	"time"
)

// QueueConfig contains broker and worker pool configuration. These values
// control how jobs are enqueued, claimed, locked, retried, and retained.
type QueueConfig struct {
	// Namespace prefixes every Redis key and the event channel, so several
	// engines can share one Redis instance.
	Namespace string `yaml:"namespace"`

	// WorkerCount is the number of worker goroutines per process. Each
	// worker claims and processes one job at a time.
	WorkerCount int `yaml:"worker_count"`

	// JobTimeout is the wall-clock budget for one job attempt. The child
	// runner is killed when it is exceeded.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// MaxAttempts is the total delivery attempts per job, including the
	// first run. MAX_JOB_RETRIES maps to MaxAttempts-1.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay; attempt n waits
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration `yaml:"backoff_base"`

	// LockDuration is the PX expiry on a claimed job's lock key. A lock
	// that expires without renewal marks the job stalled.
	LockDuration time.Duration `yaml:"lock_duration"`

	// LockRenewInterval is how often the owning worker extends its lock.
	// Must be comfortably below LockDuration.
	LockRenewInterval time.Duration `yaml:"lock_renew_interval"`

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// StalledInterval is how often the pool scans active jobs for expired
	// locks.
	StalledInterval time.Duration `yaml:"stalled_interval"`

	// MaxStalled is how many times a job may stall before it is failed
	// outright instead of requeued.
	MaxStalled int `yaml:"max_stalled"`

	// CompletedTTL and FailedTTL bound how long terminal jobs and their
	// logs are retained.
	CompletedTTL time.Duration `yaml:"completed_ttl"`
	FailedTTL    time.Duration `yaml:"failed_ttl"`

	// LogMaxLines caps the per-job log ring in Redis.
	LogMaxLines int64 `yaml:"log_max_lines"`

	// LogTailBytes is how much trailing stderr is kept for failure
	// reports.
	LogTailBytes int `yaml:"log_tail_bytes"`

	// GracefulShutdownTimeout is the max time to wait for active jobs to
	// finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Namespace:               "swarm1",
		WorkerCount:             3,
		JobTimeout:              30 * time.Minute,
		MaxAttempts:             3,
		BackoffBase:             5 * time.Second,
		LockDuration:            30 * time.Second,
		LockRenewInterval:       10 * time.Second,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      250 * time.Millisecond,
		StalledInterval:         30 * time.Second,
		MaxStalled:              1,
		CompletedTTL:            24 * time.Hour,
		FailedTTL:               7 * 24 * time.Hour,
		LogMaxLines:             1000,
		LogTailBytes:            16 * 1024,
		GracefulShutdownTimeout: 30 * time.Minute,
	}
}

// Validate checks queue tuning for values that would wedge the worker.
func (q *QueueConfig) Validate() error {
	if q.Namespace == "" {
		return NewValidationError("queue", "namespace", "", ErrMissingRequiredField)
	}
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", fmt.Sprint(q.WorkerCount),
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.JobTimeout <= 0 {
		return NewValidationError("queue", "job_timeout", q.JobTimeout.String(),
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.MaxAttempts < 1 {
		return NewValidationError("queue", "max_attempts", fmt.Sprint(q.MaxAttempts),
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.LockRenewInterval >= q.LockDuration {
		return NewValidationError("queue", "lock_renew_interval", q.LockRenewInterval.String(),
			fmt.Errorf("%w: must be below lock_duration %s", ErrInvalidValue, q.LockDuration))
	}
	return nil
}
