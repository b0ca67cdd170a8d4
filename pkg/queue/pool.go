package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
)

// WorkerPool manages a pool of queue workers plus the background loops
// that keep the queue healthy: delayed-job promotion and stalled-job
// recovery.
type WorkerPool struct {
	hostID   string
	broker   *Broker
	config   *config.QueueConfig
	launcher Launcher
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Job cancel registry: job_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Stalled recovery state
	stalled stalledState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(hostID string, broker *Broker, cfg *config.QueueConfig, launcher Launcher) *WorkerPool {
	return &WorkerPool{
		hostID:     hostID,
		broker:     broker,
		config:     cfg,
		launcher:   launcher,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the background maintenance loops.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "host_id", p.hostID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"host_id", p.hostID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.hostID, i)
		worker := NewWorker(workerID, p.broker, p.config, p.launcher, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Background maintenance: delayed promotion and stalled recovery
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runDelayedPromotion(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.runStalledRecovery(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	// Log active jobs
	active := p.getActiveJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"job_ids", active)
	}

	// Signal all workers to stop (they finish current jobs)
	for _, worker := range p.workers {
		worker.Stop()
	}

	// Signal maintenance loops to stop
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for admin cancellation.
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job running on this
// host. Returns true if the job was found and cancelled here; jobs on
// other hosts are reached through the broker's cancel flag instead.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	metrics, err := p.broker.Metrics(ctx)
	brokerHealthy := err == nil
	var brokerErr string
	var depth int64
	if err != nil {
		brokerErr = fmt.Sprintf("queue metrics query failed: %v", err)
		slog.Error("Failed to query queue metrics for health check",
			"host_id", p.hostID,
			"error", err)
	} else {
		depth = metrics.Counts[StatePending] + metrics.Counts[StateDelayed]
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// Broker errors affect health status - if we can't reach Redis, we're
	// not healthy
	isHealthy := len(p.workers) > 0 && brokerHealthy

	p.stalled.mu.Lock()
	lastScan := p.stalled.lastScan
	requeued := p.stalled.requeued
	exhausted := p.stalled.exhausted
	p.stalled.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        isHealthy,
		BrokerReachable:  brokerHealthy,
		BrokerError:      brokerErr,
		HostID:           p.hostID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       depth,
		WorkerStats:      workerStats,
		LastStalledScan:  lastScan,
		StalledRequeued:  requeued,
		StalledExhausted: exhausted,
	}
}

// getActiveJobIDs returns IDs of currently processing jobs (for logging).
func (p *WorkerPool) getActiveJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	jobs := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		jobs = append(jobs, id)
	}
	return jobs
}
