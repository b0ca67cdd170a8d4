package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// stalledState tracks stalled recovery metrics (thread-safe).
type stalledState struct {
	mu        sync.Mutex
	lastScan  time.Time
	requeued  int
	exhausted int
}

// runStalledRecovery periodically scans for active jobs whose locks have
// expired. All hosts run this independently — the per-job recovery step
// is atomic, so double recovery is impossible.
func (p *WorkerPool) runStalledRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.config.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverStalledJobs(ctx); err != nil {
				slog.Error("Stalled job scan failed", "error", err)
			}
		}
	}
}

// runDelayedPromotion moves due retries from the delayed set back to
// pending so workers can claim them.
func (p *WorkerPool) runDelayedPromotion(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.broker.promoteDelayed(ctx); err != nil {
				slog.Error("Delayed job promotion failed", "error", err)
			}
		}
	}
}

// recoverStalledJobs finds active jobs with expired locks and returns
// them to pending, failing those that stalled past the ceiling. Also
// refreshes the queue depth gauges while it has the counts.
func (p *WorkerPool) recoverStalledJobs(ctx context.Context) error {
	ids, err := p.broker.rdb.ZRange(ctx, p.broker.keys.state(StateActive), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}

	requeued, exhausted := 0, 0
	for _, id := range ids {
		outcome, err := p.broker.requeueStalled(ctx, id)
		if err != nil {
			slog.Error("Failed to recover stalled job", "job_id", id, "error", err)
			continue
		}
		switch outcome {
		case stalledRequeued:
			requeued++
		case stalledExhausted:
			exhausted++
		}
	}

	if requeued > 0 || exhausted > 0 {
		slog.Warn("Recovered stalled jobs", "requeued", requeued, "exhausted", exhausted)
	}

	p.stalled.mu.Lock()
	p.stalled.lastScan = time.Now()
	p.stalled.requeued += requeued
	p.stalled.exhausted += exhausted
	p.stalled.mu.Unlock()

	if metrics, err := p.broker.Metrics(ctx); err == nil {
		recordQueueDepth(metrics.Counts)
	}
	return nil
}
