package executors

import (
	"context"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// workSimulationExec sleeps for duration_ms. Scheduling tests use it to
// shape graph timing without real work.
type workSimulationExec struct{}

func (e *workSimulationExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	ms := intParam(ec.Params, "duration_ms", 100)
	if ms < 0 {
		ms = 0
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return &graph.ExecResult{
		Metadata: map[string]any{"slept_ms": ms},
	}, nil
}
