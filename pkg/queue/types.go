// Package queue provides the durable job queue and its worker pool.
//
// Jobs live in Redis: one hash per job plus one sorted set per state.
// Every transition is crash-safe — a worker that dies mid-job leaves an
// expiring lock behind, and the stalled scan returns the job to pending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no claimable jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrQueuePaused indicates the queue is paused and claims are suspended.
	ErrQueuePaused = errors.New("queue paused")

	// ErrJobNotFound indicates the job id does not exist (or its record expired).
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidPayload indicates the submission failed schema or reference checks.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrJobTerminal indicates the operation needs a live job but the job
	// already reached completed, failed, or cancelled.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// JobState is the durable lifecycle state of a job.
type JobState string

// Job lifecycle states. Pending and delayed jobs are claimable (delayed
// after promotion); active jobs are lock-protected; the rest are terminal.
const (
	StatePending   JobState = "pending"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// AllStates lists every job state in lifecycle order.
var AllStates = []JobState{
	StatePending, StateDelayed, StateActive,
	StateCompleted, StateFailed, StateCancelled,
}

// ParseState validates a state name from user input.
func ParseState(s string) (JobState, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Constraints carries the tenant-policy-checked submission limits.
type Constraints struct {
	BudgetUSD            float64  `json:"budget_usd,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// Payload is the job submission body. Field names follow the job schema;
// the whole struct is validated against it before anything is persisted.
type Payload struct {
	Type        string            `json:"type"`
	GraphFile   string            `json:"graph_file"`
	Tenant      string            `json:"tenant,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	AUVID       string            `json:"auv_id,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Resume      bool              `json:"resume,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Constraints *Constraints      `json:"constraints,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Result is what a completed job produced.
type Result struct {
	RunID     string   `json:"run_id"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Job is the durable record of one submission.
type Job struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	Stalled     int       `json:"stalled,omitempty"`
	Worker      string    `json:"worker,omitempty"`
	Progress    int       `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Result      *Result   `json:"result,omitempty"`
}

// JobRegistry is the subset of WorkerPool used by Worker for cancel routing.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// QueueMetrics is the snapshot returned by Broker.Metrics.
type QueueMetrics struct {
	Counts           map[JobState]int64 `json:"counts"`
	OldestPendingAge time.Duration      `json:"oldest_pending_age"`
	Paused           bool               `json:"paused"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	BrokerReachable  bool           `json:"broker_reachable"`
	BrokerError      string         `json:"broker_error,omitempty"`
	HostID           string         `json:"host_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int64          `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastStalledScan  time.Time      `json:"last_stalled_scan"`
	StalledRequeued  int            `json:"stalled_requeued"`
	StalledExhausted int            `json:"stalled_exhausted"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
