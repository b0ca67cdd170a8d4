package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DecisionRecord is the audit trail for one planning call. It contains no
// timestamps or environment echoes so that identical requests produce
// bitwise-identical records.
type DecisionRecord struct {
	RouterVersion         string                   `json:"router_version"`
	AgentID               string                   `json:"agent_id"`
	RequestedCapabilities []string                 `json:"requested_capabilities"`
	EffectiveBudgetUSD    float64                  `json:"effective_budget_usd"`
	SecondaryConsent      bool                     `json:"secondary_consent"`
	OK                    bool                     `json:"ok"`
	Plan                  []PlanEntry              `json:"plan"`
	Rejected              []Rejection              `json:"rejected"`
	Alternatives          map[string][]Alternative `json:"alternatives"`
	Warnings              []string                 `json:"warnings"`
	Totals                Totals                   `json:"totals"`
}

func newDecisionRecord(req PlanRequest, caps []string, budget float64, result *PlanResult) *DecisionRecord {
	version := Version
	if req.Policies.Router.Version != "" {
		version = req.Policies.Router.Version
	}
	return &DecisionRecord{
		RouterVersion:         version,
		AgentID:               req.AgentID,
		RequestedCapabilities: caps,
		EffectiveBudgetUSD:    budget,
		SecondaryConsent:      req.SecondaryConsent,
		OK:                    result.OK,
		Plan:                  result.Plan,
		Rejected:              result.Rejected,
		Alternatives:          result.Alternatives,
		Warnings:              result.Warnings,
		Totals:                result.Totals,
	}
}

// WriteDecision persists the record to <tenant-root>/router/<run>/decision.json.
func WriteDecision(tenantRoot, runID string, rec *DecisionRecord) (string, error) {
	dir := filepath.Join(tenantRoot, "router", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating decision dir: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling decision record: %w", err)
	}
	path := filepath.Join(dir, "decision.json")
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing decision record: %w", err)
	}
	return path, nil
}
