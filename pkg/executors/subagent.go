package executors

import (
	"context"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/subagent"
)

// subagentExec runs the gateway loop for a node. The router-approved plan
// travels in the exec context; every tool request and adjudicated result
// is captured as artifacts regardless of how the loop ends.
type subagentExec struct{}

func (e *subagentExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	gateway, err := subagent.NewFromEnv(ec.Env, observability.NewLedger(ec.TenantRoot))
	if err != nil {
		return nil, graph.Permanent(err)
	}
	task := stringParam(ec.Params, "task", "Deliver "+ec.AUVID)

	outcome, err := gateway.Run(ctx, subagent.RunInput{
		Task:      task,
		SessionID: ec.RunID,
		Plan:      ec.Plan,
		Budgets:   subagent.BudgetsFromEnv(ec.Env),
	})
	if err != nil {
		return nil, err
	}

	requestsRel, err := writeJSONArtifact(ec, "subagent/requests.json", map[string]any{
		"session_id": ec.RunID,
		"task":       task,
		"requests":   outcome.Requests,
	})
	if err != nil {
		return nil, err
	}
	resultsRel, err := writeJSONArtifact(ec, "subagent/results.json", map[string]any{
		"session_id": ec.RunID,
		"stopped":    outcome.Stopped,
		"steps":      outcome.Steps,
		"cost_usd":   outcome.CostUSD,
		"results":    outcome.Results,
	})
	if err != nil {
		return nil, err
	}

	if outcome.Stopped != subagent.StopCompleted {
		return nil, graph.Permanentf("subagent stopped on %s after %d step(s), $%.2f spent",
			outcome.Stopped, outcome.Steps, outcome.CostUSD)
	}
	return &graph.ExecResult{
		Artifacts: []string{requestsRel, resultsRel},
		Metadata: map[string]any{
			"steps":    outcome.Steps,
			"cost_usd": outcome.CostUSD,
			"summary":  strings.TrimSpace(outcome.Text),
		},
	}, nil
}
