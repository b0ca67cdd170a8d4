package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/auth"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// newTestBroker wires a broker to an in-process Redis with timings tuned
// for fast tests.
func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultQueueConfig()
	cfg.Namespace = "testq"
	cfg.WorkerCount = 1
	cfg.JobTimeout = 2 * time.Second
	cfg.MaxAttempts = 2
	cfg.BackoffBase = 20 * time.Millisecond
	cfg.LockDuration = 500 * time.Millisecond
	cfg.LockRenewInterval = 25 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 2 * time.Millisecond
	cfg.StalledInterval = 25 * time.Millisecond
	cfg.MaxStalled = 1
	cfg.LogMaxLines = 10

	b := NewBroker(BrokerOptions{
		Client:      client,
		Config:      cfg,
		ProjectRoot: t.TempDir(),
	})
	return b, mr
}

func writeGraphFile(t *testing.T, root, name string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("nodes: []\n"), 0o644))
}

func testPayload(graphFile string) Payload {
	return Payload{
		Type:      "run_graph",
		GraphFile: graphFile,
		Tenant:    "default",
		AUVID:     "AUV-0101",
	}
}

// mustEnqueue is the happy-path submission helper.
func mustEnqueue(t *testing.T, b *Broker, p Payload) *Job {
	t.Helper()
	writeGraphFile(t, b.projectRoot, p.GraphFile)
	job, err := b.Enqueue(context.Background(), p, "")
	require.NoError(t, err)
	return job
}

func lastHookEvent(t *testing.T, b *Broker, tenantName string) observability.Event {
	t.Helper()
	sink := observability.NewSink(tenant.Root(b.projectRoot, tenantName))
	events, err := sink.Tail(1)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[0]
}

func TestEnqueueRecordsDurableJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))

	assert.Regexp(t, regexp.MustCompile(`^run_graph-default-\d+-[0-9a-f]{6}$`), job.ID)
	assert.Regexp(t, regexp.MustCompile(`^RUN-\d{4}-\d{2}-\d{2}-[0-9a-f]{4}$`), job.Payload.RunID)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 2, job.MaxAttempts)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Payload, got.Payload)
	assert.Equal(t, StatePending, got.State)
	assert.Zero(t, got.Attempts)
	assert.False(t, got.CreatedAt.IsZero())

	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Counts[StatePending])

	ev := lastHookEvent(t, b, "default")
	assert.Equal(t, observability.EventJobEnqueued, ev.Event)
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, job.Payload.RunID, ev.RunID)
}

func TestEnqueueKeepsCallerRunID(t *testing.T) {
	b, _ := newTestBroker(t)

	p := testPayload("graphs/demo.yaml")
	p.RunID = "RUN-2026-08-25-beef"
	job := mustEnqueue(t, b, p)

	assert.Equal(t, "RUN-2026-08-25-beef", job.Payload.RunID)
}

func TestEnqueueRejectsInvalidPayloads(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	writeGraphFile(t, b.projectRoot, "graphs/demo.yaml")

	tests := []struct {
		name    string
		mutate  func(p *Payload)
		errPart string
	}{
		{
			name:    "missing graph file on disk",
			mutate:  func(p *Payload) { p.GraphFile = "graphs/ghost.yaml" },
			errPart: "ghost.yaml",
		},
		{
			name:    "path traversal",
			mutate:  func(p *Payload) { p.GraphFile = "../outside.yaml" },
			errPart: "escapes",
		},
		{
			name:    "bad type",
			mutate:  func(p *Payload) { p.Type = "Run Graph" },
			errPart: "type",
		},
		{
			name:    "bad tenant",
			mutate:  func(p *Payload) { p.Tenant = "Bad Tenant" },
			errPart: "tenant",
		},
		{
			name:    "priority out of range",
			mutate:  func(p *Payload) { p.Priority = 500 },
			errPart: "priority",
		},
		{
			name:    "bad auv id",
			mutate:  func(p *Payload) { p.AUVID = "AUV-12" },
			errPart: "auv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPayload("graphs/demo.yaml")
			tt.mutate(&p)

			_, err := b.Enqueue(ctx, p, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}

	// Nothing was persisted by the rejected submissions.
	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	for state, n := range metrics.Counts {
		assert.Zero(t, n, "state %s", state)
	}
}

func TestEnqueueAuthGates(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	writeGraphFile(t, b.projectRoot, "graphs/demo.yaml")
	b.auth = auth.NewService(&config.AuthConfig{Required: true, Token: "sesame"})

	_, err := b.Enqueue(ctx, testPayload("graphs/demo.yaml"), "")
	assert.ErrorIs(t, err, auth.ErrTokenMissing)

	_, err = b.Enqueue(ctx, testPayload("graphs/demo.yaml"), "wrong")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)

	job, err := b.Enqueue(ctx, testPayload("graphs/demo.yaml"), "sesame")
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
}

func TestEnqueueTenantPolicyDenied(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	writeGraphFile(t, b.projectRoot, "graphs/demo.yaml")

	ceiling := 5.0
	b.policies = &policy.Policies{
		Tenants: map[string]policy.TenantPolicy{
			"default": {
				BudgetCeilingUSD:    &ceiling,
				AllowedCapabilities: []string{"api.test"},
			},
		},
	}

	p := testPayload("graphs/demo.yaml")
	p.Constraints = &Constraints{BudgetUSD: 10}
	_, err := b.Enqueue(ctx, p, "")
	var violation *auth.PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "ceiling")

	p = testPayload("graphs/demo.yaml")
	p.Constraints = &Constraints{RequiredCapabilities: []string{"payments.test"}}
	_, err = b.Enqueue(ctx, p, "")
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Reason, "payments.test")

	// Denials leave an audit event and no durable job.
	ev := lastHookEvent(t, b, "default")
	assert.Equal(t, observability.EventPolicyDenied, ev.Event)
	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.Counts[StatePending])
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	low := testPayload("graphs/demo.yaml")
	low.Priority = 10
	first := mustEnqueue(t, b, low)

	second := mustEnqueue(t, b, low)

	high := testPayload("graphs/demo.yaml")
	high.Priority = 90
	urgent := mustEnqueue(t, b, high)

	claimed1, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, claimed1.ID, "higher priority claims first")

	claimed2, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed2.ID, "FIFO within a priority band")

	claimed3, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, claimed3.ID)

	_, err = b.claim(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestClaimMarksJobActive(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))

	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, StateActive, claimed.State)
	assert.Equal(t, "w1", claimed.Worker)
	assert.Equal(t, 1, claimed.Attempts)
	assert.False(t, claimed.StartedAt.IsZero())

	lock, err := b.rdb.Get(ctx, b.keys.lock(job.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, "w1", lock)
}

func TestPauseSuspendsClaims(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	mustEnqueue(t, b, testPayload("graphs/demo.yaml"))

	require.NoError(t, b.Pause(ctx))
	paused, err := b.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = b.claim(ctx, "w1")
	assert.ErrorIs(t, err, ErrQueuePaused)

	require.NoError(t, b.Resume(ctx))
	_, err = b.claim(ctx, "w1")
	assert.NoError(t, err)
}

func TestRenewLock(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	_, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	ok, err := b.renewLock(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A different worker cannot renew someone else's lock.
	ok, err = b.renewLock(ctx, job.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Once expired, renewal fails for the old owner too.
	mr.FastForward(time.Second)
	ok, err = b.renewLock(ctx, job.ID, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryMovesJobToDelayedAndPromotes(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	b.cfg.BackoffBase = time.Minute
	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.retryJob(ctx, claimed, "runner exited with code 1", 1))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, got.State)
	assert.Equal(t, "runner exited with code 1", got.Error)

	// Not due yet.
	n, err := b.promoteDelayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the backoff the job is claimable again with its old priority.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = b.promoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := b.claim(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, "w2", reclaimed.Worker)
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 10*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 20*time.Second, backoffDelay(base, 3))
	assert.Equal(t, 15*time.Minute, backoffDelay(base, 30))
}

func TestCompleteJobRecordsResult(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	result := &Result{RunID: claimed.Payload.RunID, Artifacts: []string{"AUV-0101/perf/report.json"}}
	require.NoError(t, b.completeJob(ctx, claimed, result))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.False(t, got.FinishedAt.IsZero())
	require.NotNil(t, got.Result)
	assert.Equal(t, claimed.Payload.RunID, got.Result.RunID)
	assert.Equal(t, result.Artifacts, got.Result.Artifacts)

	// Retention TTL armed, lock released.
	assert.Greater(t, mr.TTL(b.keys.job(job.ID)), time.Duration(0))
	assert.False(t, mr.Exists(b.keys.lock(job.ID)))

	ev := lastHookEvent(t, b, "default")
	assert.Equal(t, observability.EventJobCompleted, ev.Event)
}

func TestFailJobRecordsErrorAndCode(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, b.failJob(ctx, claimed, "boom", exitcode.CvfGateFailed))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, exitcode.CvfGateFailed, got.ExitCode)

	ev := lastHookEvent(t, b, "default")
	assert.Equal(t, observability.EventJobFailed, ev.Event)
}

func TestStalledJobRequeuedThenExhausted(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	_, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	// Lock still held: nothing to recover.
	outcome, err := b.requeueStalled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stalledLocked, outcome)

	// Simulated worker death: the lock expires without completion.
	mr.FastForward(time.Second)
	outcome, err = b.requeueStalled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stalledRequeued, outcome)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 1, got.Stalled)

	// Second stall exceeds the ceiling of 1 and fails the job.
	_, err = b.claim(ctx, "w2")
	require.NoError(t, err)
	mr.FastForward(time.Second)
	outcome, err = b.requeueStalled(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, stalledExhausted, outcome)

	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Contains(t, got.Error, "stalled")
}

func TestCancelPendingJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))

	got, err := b.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, exitcode.JobCancelled, got.ExitCode)

	_, err = b.claim(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobsAvailable)

	// Cancelling again reports the terminal state.
	_, err = b.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestCancelActiveJobSetsFlag(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	_, err := b.claim(ctx, "w1")
	require.NoError(t, err)

	got, err := b.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State, "active job stays active until its worker reacts")

	requested, err := b.cancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestCancelUnknownJob(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCleanOlderThanRemovesTerminalRecords(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, b.completeJob(ctx, claimed, &Result{RunID: claimed.Payload.RunID}))

	// Too young to clean.
	n, err := b.CleanOlderThan(ctx, 24*time.Hour, StateCompleted)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Two days later the record is eligible.
	b.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = b.CleanOlderThan(ctx, 24*time.Hour, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = b.CleanOlderThan(ctx, time.Hour, StatePending)
	assert.Error(t, err, "clean only applies to terminal states")
}

func TestDrainRemovesQueuedJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustEnqueue(t, b, testPayload(fmt.Sprintf("graphs/demo-%d.yaml", i)))
	}
	late := mustEnqueue(t, b, testPayload("graphs/late.yaml"))
	claimed, err := b.claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, b.retryJob(ctx, claimed, "first attempt failed", 1))

	n, err := b.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, metrics.Counts[StatePending])
	assert.Zero(t, metrics.Counts[StateDelayed])

	_, err = b.Get(ctx, late.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMetricsReportsOldestPendingAge(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
	b.now = func() time.Time { return time.Now().Add(90 * time.Second) }

	metrics, err := b.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Counts[StatePending])
	assert.GreaterOrEqual(t, metrics.OldestPendingAge, 90*time.Second)
	assert.False(t, metrics.Paused)
}

func TestListOrdersTerminalNewestFirst(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	var finished []string
	base := time.Now()
	for i := 0; i < 3; i++ {
		job := mustEnqueue(t, b, testPayload("graphs/demo.yaml"))
		claimed, err := b.claim(ctx, "w1")
		require.NoError(t, err)
		offset := time.Duration(i) * time.Second
		b.now = func() time.Time { return base.Add(offset) }
		require.NoError(t, b.completeJob(ctx, claimed, &Result{RunID: claimed.Payload.RunID}))
		finished = append(finished, job.ID)
	}

	jobs, err := b.List(ctx, StateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, finished[2], jobs[0].ID, "newest first")
	assert.Equal(t, finished[0], jobs[2].ID)

	pending, err := b.List(ctx, StatePending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAppendLogKeepsBoundedRing(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		b.appendLog(ctx, "job-x", fmt.Sprintf("line %d", i))
	}

	lines, err := b.Logs(ctx, "job-x", 100)
	require.NoError(t, err)
	require.Len(t, lines, 10, "ring capped at LogMaxLines")
	assert.Equal(t, "line 6", lines[0])
	assert.Equal(t, "line 15", lines[9])

	tail, err := b.Logs(ctx, "job-x", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"line 13", "line 14", "line 15"}, tail)
}

func TestMonitorStreamsEvents(t *testing.T) {
	b, _ := newTestBroker(t)
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
	case <-time.After(2 * time.Second):
		t.Fatal("no event received from monitor")
	}
}

func TestPendingScoreOrdering(t *testing.T) {
	assert.Less(t, pendingScore(90, 5), pendingScore(10, 1),
		"higher priority sorts before lower regardless of sequence")
	assert.Less(t, pendingScore(50, 1), pendingScore(50, 2),
		"FIFO within a band")
	assert.Less(t, pendingScore(200, 1), pendingScore(0, 1),
		"out-of-range priority clamps to 100")
}

func TestParseState(t *testing.T) {
	st, err := ParseState("pending")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)

	_, err = ParseState("bogus")
	assert.Error(t, err)

	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateDelayed.Terminal())
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestConnectPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()).Err())

	mr.Close()
	_, err = Connect(context.Background(), "redis://"+mr.Addr())
	assert.Error(t, err, "connect verifies reachability up front")
}

func TestJobFromHashMissing(t *testing.T) {
	_, err := jobFromHash("x", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = jobFromHash("x", map[string]string{"payload": "{not json"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrJobNotFound)
}
