package subagent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ScriptedClient is the deterministic TEST_MODE client. Its first step
// proposes one call per advertised tool, the second step reports
// completion. No network, no tokens, stable output for a given task.
type ScriptedClient struct {
	// RequestTools overrides the proposed tool ids. Ids outside the
	// approved plan are useful for exercising rejection paths.
	RequestTools []string
	// Loop proposes tools on every step instead of finishing, so budget
	// ceilings can be reached.
	Loop bool
}

func (c *ScriptedClient) Step(ctx context.Context, task string, history []Message, tools []ToolDef) (*StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := 1
	for _, turn := range history {
		if turn.Role == "assistant" {
			step++
		}
	}
	if step > 1 && !c.Loop {
		executed, rejected := 0, 0
		for _, turn := range history {
			for _, res := range turn.Results {
				if res.Status == "executed" {
					executed++
				} else {
					rejected++
				}
			}
		}
		return &StepOutput{
			Text: fmt.Sprintf("Task complete: %d tool call(s) executed, %d rejected.", executed, rejected),
		}, nil
	}

	ids := c.RequestTools
	if len(ids) == 0 {
		for _, def := range tools {
			ids = append(ids, def.ID)
		}
	}
	if len(ids) == 0 {
		return &StepOutput{Text: "No tools available for: " + task}, nil
	}

	input, _ := json.Marshal(map[string]string{"task": task})
	out := &StepOutput{Text: "Working on: " + task}
	for i, id := range ids {
		out.Requests = append(out.Requests, ToolRequest{
			ID:     fmt.Sprintf("req-%d-%d", step, i+1),
			ToolID: id,
			Input:  input,
		})
	}
	return out, nil
}
