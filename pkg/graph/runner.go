package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/router"
)

const (
	defaultBackoffBase = 250 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

// ExecContext carries everything an executor may need for one node.
type ExecContext struct {
	Tenant     string
	TenantRoot string
	RunID      string
	AUVID      string
	NodeID     string
	NodeType   string
	Params     map[string]any
	Env        map[string]string
	Plan       []router.PlanEntry
	Sink       *observability.Sink
	// Checkpoint is the blob the node saved on a previous attempt, if any.
	Checkpoint json.RawMessage
}

// ExecResult is what a successful executor returns.
type ExecResult struct {
	// Artifacts lists tenant-root-relative paths produced by the node.
	Artifacts []string
	// Metadata is merged into the node.succeeded event payload.
	Metadata map[string]any
	// Checkpoint is persisted with the node for resume-aware executors.
	Checkpoint json.RawMessage
}

// Executor runs one node type. Implementations must honor ctx and return
// promptly once it is done.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext) (*ExecResult, error)
}

// ExecutorRegistry resolves a node type to its executor.
type ExecutorRegistry interface {
	Lookup(nodeType string) (Executor, bool)
}

// Finalizer is implemented by registries that hold shared resources
// (local servers, browser sessions) needing teardown after a run.
type Finalizer interface {
	Finalize(ctx context.Context) error
}

// RunOptions configures a single Run invocation.
type RunOptions struct {
	RunID       string
	Tenant      string
	TenantRoot  string
	Concurrency int
	Resume      bool
	Env         map[string]string
	Plan        []router.PlanEntry
	Sink        *observability.Sink
	BackoffBase time.Duration
}

// RunResult summarizes a finished (or interrupted) run.
type RunResult struct {
	RunID      string
	Success    bool
	Completed  []string
	Failed     []string
	DurationMS int64
	StatePath  string
}

// Runner executes a graph spec with bounded concurrency, exclusive
// resource tags, retries, and durable state after every transition.
type Runner struct {
	spec      *Spec
	graphFile string
	registry  ExecutorRegistry
	opts      RunOptions

	state     *RunState
	resources map[string]string
	backoff   map[string]time.Time
	logger    *slog.Logger
}

type nodeResult struct {
	id  string
	res *ExecResult
	err error
}

// NewRunner builds a runner for one graph file. The spec must already be
// validated by LoadSpec.
func NewRunner(spec *Spec, graphFile string, registry ExecutorRegistry, opts RunOptions) *Runner {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	return &Runner{
		spec:      spec,
		graphFile: graphFile,
		registry:  registry,
		opts:      opts,
		resources: make(map[string]string),
		backoff:   make(map[string]time.Time),
		logger:    slog.Default(),
	}
}

// State exposes the run state, primarily for inspection after Run.
func (r *Runner) State() *RunState {
	return r.state
}

// Run executes the graph to completion. On context cancellation it waits
// for in-flight nodes to stop, persists their terminal state, and returns
// the partial result together with the context error.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	if err := r.prepareState(start); err != nil {
		return nil, err
	}

	concurrency := r.spec.EffectiveConcurrency(r.opts.Concurrency)
	resultsCh := make(chan nodeResult, concurrency)
	running := 0

	for {
		if ctx.Err() != nil {
			return r.finishCancelled(ctx, resultsCh, running, start)
		}
		if err := r.propagateSkips(); err != nil {
			return nil, err
		}
		launched, nextWake, err := r.launchReady(ctx, resultsCh, concurrency-running)
		if err != nil {
			return nil, err
		}
		running += launched

		if running == 0 {
			if r.state.AllTerminal() {
				break
			}
			if nextWake.IsZero() {
				return nil, fmt.Errorf("run %s stalled: nodes remain but none are runnable", r.state.RunID)
			}
			select {
			case <-time.After(time.Until(nextWake)):
				continue
			case <-ctx.Done():
				return r.finishCancelled(ctx, resultsCh, running, start)
			}
		}

		select {
		case res := <-resultsCh:
			running--
			r.releaseResources(res.id)
			if err := r.handleResult(res); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return r.finishCancelled(ctx, resultsCh, running, start)
		}
	}

	r.finalizeRegistry(ctx)
	return r.finish(start, nil)
}

// prepareState loads persisted state for a resume or initializes a fresh
// run, persisting the initial snapshot either way.
func (r *Runner) prepareState(now time.Time) error {
	if r.opts.Resume {
		state, err := LoadState(r.opts.TenantRoot, r.opts.RunID)
		if err != nil {
			return err
		}
		if state.GraphChecksum != "" && state.GraphChecksum != r.spec.Checksum {
			r.logger.Warn("Graph file changed since run state was written",
				"run_id", state.RunID,
				"graph_file", r.graphFile)
		}
		for id := range state.Nodes {
			if _, ok := r.spec.Node(id); !ok {
				r.logger.Warn("Dropping state for node no longer in graph", "node", id)
				delete(state.Nodes, id)
			}
		}
		reset := state.ResetRunningToReady(now)
		r.state = state
		r.emit(observability.EventRunResumed, "", map[string]any{
			"reset_nodes": reset,
			"completed":   len(state.Completed),
		})
	} else {
		r.state = NewRunState(r.opts.RunID, r.graphFile, r.spec, r.opts.Tenant, now)
		r.emit(observability.EventRunStarted, "", map[string]any{
			"graph_file": r.graphFile,
			"nodes":      len(r.spec.Nodes),
		})
	}
	return r.save()
}

// propagateSkips marks nodes whose dependencies terminated without
// success, repeating until no more nodes change so chains collapse in a
// single pass.
func (r *Runner) propagateSkips() error {
	now := time.Now()
	for changed := true; changed; {
		changed = false
		for i := range r.spec.Nodes {
			node := &r.spec.Nodes[i]
			status := r.state.Status(node.ID)
			if status != StatusPending && status != StatusReady {
				continue
			}
			for _, dep := range node.Requires {
				depStatus := r.state.Status(dep)
				if depStatus.Terminal() && depStatus != StatusSucceeded {
					reason := fmt.Sprintf("dependency %s %s", dep, depStatus)
					if r.state.MarkSkipped(node.ID, reason, now) {
						changed = true
						delete(r.backoff, node.ID)
						r.emit(observability.EventNodeSkipped, node.ID, map[string]any{"reason": reason})
						if err := r.save(); err != nil {
							return err
						}
					}
					break
				}
			}
		}
	}
	return nil
}

// launchReady dispatches up to slots nodes whose dependencies succeeded,
// whose backoff has elapsed, and whose resource tags are free. It returns
// the number launched and the earliest backoff wake-up, if any.
func (r *Runner) launchReady(ctx context.Context, resultsCh chan<- nodeResult, slots int) (int, time.Time, error) {
	now := time.Now()
	launched := 0
	var nextWake time.Time

	for i := range r.spec.Nodes {
		node := &r.spec.Nodes[i]
		status := r.state.Status(node.ID)
		if status != StatusPending && status != StatusReady {
			continue
		}
		if !r.depsSucceeded(node) {
			continue
		}
		if status == StatusPending {
			r.state.MarkReady(node.ID, now)
			r.emit(observability.EventNodeReady, node.ID, nil)
			if err := r.save(); err != nil {
				return launched, nextWake, err
			}
		}
		if until, waiting := r.backoff[node.ID]; waiting && now.Before(until) {
			if nextWake.IsZero() || until.Before(nextWake) {
				nextWake = until
			}
			continue
		}
		if launched >= slots {
			continue
		}
		if !r.acquireResources(node) {
			continue
		}

		executor, ok := r.registry.Lookup(node.Type)
		if !ok {
			r.releaseResources(node.ID)
			msg := fmt.Sprintf("%v: %s", ErrNoExecutor, node.Type)
			r.state.MarkFailed(node.ID, msg, now)
			r.emit(observability.EventNodeFailed, node.ID, map[string]any{
				"error": msg,
				"class": string(ClassPermanent),
			})
			if err := r.save(); err != nil {
				return launched, nextWake, err
			}
			continue
		}

		delete(r.backoff, node.ID)
		r.state.MarkRunning(node.ID, now)
		attempt := r.state.Nodes[node.ID].Attempts
		r.emit(observability.EventNodeStarted, node.ID, map[string]any{"attempt": attempt})
		if err := r.save(); err != nil {
			return launched, nextWake, err
		}
		r.dispatch(ctx, node, executor, resultsCh)
		launched++
	}
	return launched, nextWake, nil
}

func (r *Runner) depsSucceeded(node *Node) bool {
	for _, dep := range node.Requires {
		if r.state.Status(dep) != StatusSucceeded {
			return false
		}
	}
	return true
}

// acquireResources claims every tag the node declares, or none.
func (r *Runner) acquireResources(node *Node) bool {
	for _, tag := range node.Resources {
		if holder, held := r.resources[tag]; held && holder != "" {
			return false
		}
	}
	for _, tag := range node.Resources {
		r.resources[tag] = node.ID
	}
	return true
}

func (r *Runner) releaseResources(nodeID string) {
	for tag, holder := range r.resources {
		if holder == nodeID {
			delete(r.resources, tag)
		}
	}
}

// dispatch runs the executor in its own goroutine under the node's
// timeout. Results are delivered on resultsCh; the channel is buffered to
// the pool size so a finished node never blocks.
func (r *Runner) dispatch(ctx context.Context, node *Node, executor Executor, resultsCh chan<- nodeResult) {
	timeout := time.Duration(r.spec.EffectiveTimeoutMS(node)) * time.Millisecond
	ec := &ExecContext{
		Tenant:     r.opts.Tenant,
		TenantRoot: r.opts.TenantRoot,
		RunID:      r.state.RunID,
		AUVID:      r.spec.AUVID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Params:     node.Params,
		Env:        r.opts.Env,
		Plan:       r.opts.Plan,
		Sink:       r.opts.Sink,
		Checkpoint: r.state.Nodes[node.ID].Checkpoint,
	}
	go func() {
		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var res *ExecResult
		var err error
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = Permanentf("executor panic: %v", p)
				}
			}()
			res, err = executor.Execute(nodeCtx, ec)
		}()
		if err == nil && nodeCtx.Err() != nil {
			err = nodeCtx.Err()
		}
		resultsCh <- nodeResult{id: node.ID, res: res, err: err}
	}()
}

// handleResult applies one executor outcome: success, retry with backoff,
// or terminal failure, persisting after the transition.
func (r *Runner) handleResult(res nodeResult) error {
	now := time.Now()
	node, _ := r.spec.Node(res.id)

	if res.err == nil {
		var checkpoint json.RawMessage
		payload := map[string]any{}
		if res.res != nil {
			checkpoint = res.res.Checkpoint
			if len(res.res.Artifacts) > 0 {
				payload["artifacts"] = res.res.Artifacts
			}
			for k, v := range res.res.Metadata {
				payload[k] = v
			}
		}
		r.state.MarkSucceeded(res.id, checkpoint, now)
		r.emit(observability.EventNodeSucceeded, res.id, payload)
		return r.save()
	}

	class := Classify(res.err)
	attempts := r.state.Nodes[res.id].Attempts
	maxAttempts := r.spec.EffectiveRetries(node) + 1

	if class == ClassTimeout {
		r.emit(observability.EventNodeTimedOut, res.id, map[string]any{
			"attempt":    attempts,
			"timeout_ms": r.spec.EffectiveTimeoutMS(node),
		})
	}

	switch class {
	case ClassCancelled:
		r.state.MarkCancelled(res.id, now)
		r.emit(observability.EventNodeCancelled, res.id, nil)
	case ClassPermanent:
		r.state.MarkFailed(res.id, res.err.Error(), now)
		r.emit(observability.EventNodeFailed, res.id, map[string]any{
			"error": res.err.Error(),
			"class": string(class),
		})
	default:
		if attempts < maxAttempts {
			delay := r.backoffFor(class, attempts)
			r.backoff[res.id] = now.Add(delay)
			r.state.MarkReady(res.id, now)
			r.emit(observability.EventNodeRetried, res.id, map[string]any{
				"attempt":    attempts,
				"class":      string(class),
				"backoff_ms": delay.Milliseconds(),
				"error":      res.err.Error(),
			})
		} else {
			r.state.MarkFailed(res.id, res.err.Error(), now)
			r.emit(observability.EventNodeFailed, res.id, map[string]any{
				"error":    res.err.Error(),
				"class":    string(class),
				"attempts": attempts,
			})
		}
	}
	return r.save()
}

// backoffFor doubles per attempt from the configured base. Timeouts use
// half the base so a slow dependency is reprobed sooner.
func (r *Runner) backoffFor(class ErrorClass, attempt int) time.Duration {
	base := r.opts.BackoffBase
	if class == ClassTimeout {
		base /= 2
	}
	delay := base << (attempt - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	return delay
}

// finishCancelled drains in-flight nodes after the run context was
// cancelled, marking each cancelled, then reports the interrupted run.
func (r *Runner) finishCancelled(ctx context.Context, resultsCh <-chan nodeResult, running int, start time.Time) (*RunResult, error) {
	now := time.Now()
	for ; running > 0; running-- {
		res := <-resultsCh
		r.releaseResources(res.id)
		if res.err == nil {
			var checkpoint json.RawMessage
			if res.res != nil {
				checkpoint = res.res.Checkpoint
			}
			r.state.MarkSucceeded(res.id, checkpoint, now)
			r.emit(observability.EventNodeSucceeded, res.id, nil)
		} else {
			r.state.MarkCancelled(res.id, now)
			r.emit(observability.EventNodeCancelled, res.id, nil)
		}
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	r.finalizeRegistry(context.WithoutCancel(ctx))
	result, _ := r.finish(start, ctx.Err())
	return result, fmt.Errorf("run %s cancelled: %w", r.state.RunID, ctx.Err())
}

// finish persists the final snapshot, emits the terminal run event, and
// assembles the result.
func (r *Runner) finish(start time.Time, cause error) (*RunResult, error) {
	duration := time.Since(start).Milliseconds()
	success := cause == nil && r.state.AllSucceeded()
	payload := map[string]any{
		"ok":          success,
		"completed":   len(r.state.Completed),
		"failed":      len(r.state.Failed),
		"duration_ms": duration,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if success {
		r.emit(observability.EventRunCompleted, "", payload)
	} else {
		r.emit(observability.EventRunFailed, "", payload)
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return &RunResult{
		RunID:      r.state.RunID,
		Success:    success,
		Completed:  append([]string{}, r.state.Completed...),
		Failed:     append([]string{}, r.state.Failed...),
		DurationMS: duration,
		StatePath:  StatePath(r.opts.TenantRoot, r.state.RunID),
	}, nil
}

func (r *Runner) finalizeRegistry(ctx context.Context) {
	if fin, ok := r.registry.(Finalizer); ok {
		if err := fin.Finalize(ctx); err != nil {
			r.logger.Warn("Executor teardown failed", "run_id", r.state.RunID, "error", err)
		}
	}
}

func (r *Runner) save() error {
	return r.state.Save(r.opts.TenantRoot)
}

func (r *Runner) emit(event, nodeID string, payload map[string]any) {
	if r.opts.Sink == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if nodeID != "" {
		payload["node"] = nodeID
	}
	if err := r.opts.Sink.Emit(event, observability.Event{
		RunID:  r.state.RunID,
		Tenant: r.opts.Tenant,
		AUV:    r.spec.AUVID,
	}, payload); err != nil {
		r.logger.Warn("Emitting observability event failed", "event", event, "error", err)
	}
}
