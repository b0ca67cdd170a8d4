// Package subagent is the gateway between graph nodes and an LLM-backed
// delivery agent. The gateway owns the step loop and its budgets; every
// tool call the model proposes is adjudicated against the router-approved
// plan before anything executes. Out-of-plan requests become rejected
// results fed back to the model, never executor errors.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/router"
)

// Stop reasons reported in Outcome.Stopped.
const (
	StopCompleted  = "completed"
	StopMaxSteps   = "max_steps"
	StopMaxSeconds = "max_seconds"
	StopMaxCost    = "max_cost"
)

// ToolRequest is one tool call proposed by the model.
type ToolRequest struct {
	ID         string          `json:"id"`
	ToolID     string          `json:"tool_id"`
	Capability string          `json:"capability,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Step       int             `json:"step"`
}

// ToolResult is the adjudicated outcome for one request.
type ToolResult struct {
	ID      string          `json:"id"`
	ToolID  string          `json:"tool_id"`
	Status  string          `json:"status"` // executed | rejected
	Reason  string          `json:"reason,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	CostUSD float64         `json:"cost_usd,omitempty"`
}

// ToolDef describes a planned tool advertised to the model.
type ToolDef struct {
	ID          string
	Capability  string
	Description string
}

// Message is one turn of the gateway conversation.
type Message struct {
	Role     string        `json:"role"` // user | assistant
	Text     string        `json:"text,omitempty"`
	Requests []ToolRequest `json:"tool_requests,omitempty"`
	Results  []ToolResult  `json:"tool_results,omitempty"`
}

// StepOutput is what a Client returns for one model turn.
type StepOutput struct {
	Text     string
	Requests []ToolRequest
}

// Client produces one model turn given the task, prior turns, and the
// advertised tools.
type Client interface {
	Step(ctx context.Context, task string, history []Message, tools []ToolDef) (*StepOutput, error)
}

// Budgets bounds the gateway loop.
type Budgets struct {
	MaxSteps   int
	MaxSeconds int
	MaxCostUSD float64
}

// BudgetsFromEnv reads SUBAGENT_MAX_STEPS, SUBAGENT_MAX_SECONDS, and
// SUBAGENT_MAX_COST_USD with engine defaults for unset values.
func BudgetsFromEnv(env map[string]string) Budgets {
	b := Budgets{MaxSteps: 6, MaxSeconds: 120, MaxCostUSD: 1.0}
	if v, err := strconv.Atoi(env["SUBAGENT_MAX_STEPS"]); err == nil && v > 0 {
		b.MaxSteps = v
	}
	if v, err := strconv.Atoi(env["SUBAGENT_MAX_SECONDS"]); err == nil && v > 0 {
		b.MaxSeconds = v
	}
	if v, err := strconv.ParseFloat(env["SUBAGENT_MAX_COST_USD"], 64); err == nil && v > 0 {
		b.MaxCostUSD = v
	}
	return b
}

// RunInput is one gateway invocation. SessionID correlates spend ledger
// entries; graph runs pass their run id, and a fresh id is minted when
// empty.
type RunInput struct {
	Task      string
	SessionID string
	Plan      []router.PlanEntry
	Budgets   Budgets
}

// Outcome summarizes a finished gateway run.
type Outcome struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Steps     int           `json:"steps"`
	CostUSD   float64       `json:"cost_usd"`
	Stopped   string        `json:"stopped"`
	Requests  []ToolRequest `json:"requests"`
	Results   []ToolResult  `json:"results"`
}

// Gateway drives the bounded agent loop.
type Gateway struct {
	client Client
	ledger *observability.Ledger
	logger *slog.Logger
}

// New builds a gateway. The ledger is optional; when set, every executed
// tool call appends a spend entry under the run's session id.
func New(client Client, ledger *observability.Ledger) *Gateway {
	return &Gateway{client: client, ledger: ledger, logger: slog.Default()}
}

// NewFromEnv picks the scripted client under TEST_MODE and the Anthropic
// client otherwise. Live mode requires ANTHROPIC_API_KEY.
func NewFromEnv(env map[string]string, ledger *observability.Ledger) (*Gateway, error) {
	if env["TEST_MODE"] == "true" {
		return New(&ScriptedClient{}, ledger), nil
	}
	client, err := NewAnthropicClient(env["ANTHROPIC_API_KEY"], env["SUBAGENT_MODEL"])
	if err != nil {
		return nil, err
	}
	return New(client, ledger), nil
}

// Run executes the loop until the model stops proposing tools or a budget
// trips. Client errors abort; budget exhaustion does not.
func (g *Gateway) Run(ctx context.Context, in RunInput) (*Outcome, error) {
	if g.client == nil {
		return nil, fmt.Errorf("subagent gateway has no client")
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	budgets := in.Budgets
	if budgets.MaxSteps <= 0 {
		budgets.MaxSteps = 6
	}
	if budgets.MaxSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(budgets.MaxSeconds)*time.Second)
		defer cancel()
	}

	tools := planTools(in.Plan)
	allowed := make(map[string]router.PlanEntry, len(in.Plan))
	for _, entry := range in.Plan {
		allowed[entry.ToolID] = entry
	}

	outcome := &Outcome{SessionID: in.SessionID, Stopped: StopMaxSteps}
	var history []Message

	for step := 1; step <= budgets.MaxSteps; step++ {
		out, err := g.client.Step(ctx, in.Task, history, tools)
		if err != nil {
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				outcome.Stopped = StopMaxSeconds
				return outcome, nil
			}
			return nil, fmt.Errorf("subagent step %d: %w", step, err)
		}
		outcome.Steps = step
		if out.Text != "" {
			outcome.Text = out.Text
		}
		if len(out.Requests) == 0 {
			outcome.Stopped = StopCompleted
			return outcome, nil
		}

		results := make([]ToolResult, 0, len(out.Requests))
		for i := range out.Requests {
			req := out.Requests[i]
			req.Step = step
			if entry, ok := allowed[req.ToolID]; ok && len(entry.Capabilities) > 0 {
				req.Capability = entry.Capabilities[0]
			}
			outcome.Requests = append(outcome.Requests, req)
			results = append(results, g.adjudicate(req, allowed, in.SessionID))
		}
		outcome.Results = append(outcome.Results, results...)
		for _, res := range results {
			outcome.CostUSD += res.CostUSD
		}

		history = append(history,
			Message{Role: "assistant", Text: out.Text, Requests: out.Requests},
			Message{Role: "user", Results: results},
		)

		if budgets.MaxCostUSD > 0 && outcome.CostUSD >= budgets.MaxCostUSD {
			outcome.Stopped = StopMaxCost
			return outcome, nil
		}
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				outcome.Stopped = StopMaxSeconds
				return outcome, nil
			}
			return outcome, ctx.Err()
		}
	}
	return outcome, nil
}

// adjudicate executes an in-plan request (simulated, deterministic) or
// rejects an out-of-plan one. Execution cost is the plan's estimate and is
// recorded in the spend ledger.
func (g *Gateway) adjudicate(req ToolRequest, allowed map[string]router.PlanEntry, sessionID string) ToolResult {
	entry, ok := allowed[req.ToolID]
	if !ok {
		g.logger.Warn("Subagent proposed tool outside approved plan", "tool", req.ToolID)
		return ToolResult{
			ID:     req.ID,
			ToolID: req.ToolID,
			Status: "rejected",
			Reason: "tool not in approved plan",
		}
	}

	output, _ := json.Marshal(map[string]any{
		"ok":           true,
		"tool_id":      entry.ToolID,
		"capabilities": entry.Capabilities,
	})
	res := ToolResult{
		ID:      req.ID,
		ToolID:  req.ToolID,
		Status:  "executed",
		Output:  output,
		CostUSD: entry.EstimatedCostUSD,
	}
	if g.ledger != nil && sessionID != "" {
		err := g.ledger.Append(observability.LedgerEntry{
			SessionID:    sessionID,
			ToolID:       entry.ToolID,
			Capabilities: entry.Capabilities,
			CostUSD:      entry.EstimatedCostUSD,
		})
		if err != nil {
			g.logger.Warn("Appending spend ledger entry failed", "tool", entry.ToolID, "error", err)
		}
	}
	return res
}

// planTools converts plan entries into tool definitions for the model.
func planTools(plan []router.PlanEntry) []ToolDef {
	defs := make([]ToolDef, 0, len(plan))
	for _, entry := range plan {
		capability := ""
		if len(entry.Capabilities) > 0 {
			capability = entry.Capabilities[0]
		}
		defs = append(defs, ToolDef{
			ID:          entry.ToolID,
			Capability:  capability,
			Description: fmt.Sprintf("Approved tool %s serving %s", entry.ToolID, capability),
		})
	}
	return defs
}
