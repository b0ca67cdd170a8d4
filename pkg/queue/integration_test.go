package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/test/util"
)

// newIntegrationBroker wires a broker to the shared Redis container with
// a namespace unique to this test. Timings are less aggressive than the
// miniredis ones: a real server and real TTLs are in play.
func newIntegrationBroker(t *testing.T) *Broker {
	t.Helper()
	client := util.SetupTestRedis(t)

	cfg := config.DefaultQueueConfig()
	cfg.Namespace = util.GenerateNamespace(t)
	cfg.WorkerCount = 2
	cfg.JobTimeout = 5 * time.Second
	cfg.MaxAttempts = 2
	cfg.BackoffBase = 50 * time.Millisecond
	cfg.LockDuration = 300 * time.Millisecond
	cfg.LockRenewInterval = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollIntervalJitter = 5 * time.Millisecond
	cfg.StalledInterval = 50 * time.Millisecond

	return NewBroker(BrokerOptions{
		Client:      client,
		Config:      cfg,
		ProjectRoot: t.TempDir(),
	})
}

func TestIntegrationQueueLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := newIntegrationBroker(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
		ids = append(ids, job.ID)
	}

	pool := NewWorkerPool("it-host", b, b.cfg, okLauncher())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, pool.Start(runCtx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := b.Get(ctx, id)
			if err != nil || job.State != StateCompleted {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "all jobs should complete against real Redis")

	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), metrics.Counts[StateCompleted])
	assert.Zero(t, metrics.Counts[StatePending])
	assert.Zero(t, metrics.Counts[StateActive])
}

func TestIntegrationStalledRecoveryRealTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := newIntegrationBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	_, err := b.claim(ctx, "dead-host-worker-0")
	require.NoError(t, err)

	// The dead worker never renews, so the 300ms lock expires on its own
	// clock. Until then recovery reports the owner as alive.
	outcome, err := b.requeueStalled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stalledLocked, outcome)

	require.Eventually(t, func() bool {
		outcome, err := b.requeueStalled(ctx, job.ID)
		return err == nil && outcome == stalledRequeued
	}, 5*time.Second, 100*time.Millisecond, "lock expiry should release the job")

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Stalled)
}

func TestIntegrationMonitorPubSub(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	b := newIntegrationBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := b.Monitor(ctx)
	require.NoError(t, err)
	defer stop()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))

	select {
	case ev := <-events:
		assert.Equal(t, observability.EventJobEnqueued, ev.Event)
		assert.Equal(t, job.ID, ev.JobID)
		assert.Equal(t, "default", ev.Tenant)
	case <-time.After(5 * time.Second):
		t.Fatal("no event observed on the queue channel")
	}
}
