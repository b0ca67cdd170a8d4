// Package router maps requested capabilities to permitted tools under
// tier, consent, budget, allowlist, and safety constraints. PlanTools is a
// pure function: identical inputs produce identical plans and decision
// records, environment is an explicit snapshot, and policy-level problems
// are collected into the result rather than returned as errors.
package router

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
)

// Version identifies the planning algorithm in decision records.
const Version = "2"

// Candidate rejection reasons. These strings are part of the decision
// record contract consumed by dashboards and tests.
const (
	ReasonNotInRegistry    = "not in registry"
	ReasonNotInAllowlist   = "not in agent allowlist"
	ReasonConsentRequired  = "secondary tool requires consent"
	ReasonProductionSafety = "blocked by production safety policy"
	ReasonTestModeRequired = "requires TEST_MODE"
	ReasonMissingAPIKey    = "missing API key"
	ReasonBudgetExceeded   = "exceeds budget"
)

// ErrNilPolicy indicates PlanTools was called without a registry or policy
// bundle; this is programmer error, not a policy-level failure.
var ErrNilPolicy = errors.New("router requires a registry and policies")

// CrawlHints carries scale hints for web.crawl capability planning.
type CrawlHints struct {
	Pages int `json:"pages,omitempty"`
	Depth int `json:"depth,omitempty"`
}

// Hints are optional planning hints supplied by the caller.
type Hints struct {
	Crawl *CrawlHints `json:"crawl,omitempty"`
}

// PlanRequest is the complete input to PlanTools. Env is an explicit
// snapshot; the planner never reads process globals.
type PlanRequest struct {
	AgentID          string
	Capabilities     []string
	BudgetUSD        *float64
	SecondaryConsent bool
	Env              map[string]string
	Hints            *Hints
	Registry         *policy.Registry
	Policies         *policy.Policies
}

// PlanEntry is one selected tool and the capabilities it serves.
type PlanEntry struct {
	ToolID           string              `json:"tool_id"`
	Capabilities     []string            `json:"capabilities"`
	EstimatedCostUSD float64             `json:"estimated_cost_usd"`
	Rationale        string              `json:"rationale"`
	SideEffects      []policy.SideEffect `json:"side_effects,omitempty"`
}

// Rejection records one candidate that failed a filter.
type Rejection struct {
	ToolID     string `json:"tool_id"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
}

// Alternative records one candidate considered for a capability.
type Alternative struct {
	ToolID   string `json:"tool_id"`
	Selected bool   `json:"selected"`
	Reason   string `json:"reason,omitempty"`
}

// Totals summarizes a plan.
type Totals struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Tools            int     `json:"tools"`
	Capabilities     int     `json:"capabilities"`
}

// PlanResult is the full outcome of a planning call.
type PlanResult struct {
	OK           bool                     `json:"ok"`
	Plan         []PlanEntry              `json:"plan"`
	Rejected     []Rejection              `json:"rejected"`
	Alternatives map[string][]Alternative `json:"alternatives"`
	Warnings     []string                 `json:"warnings"`
	Totals       Totals                   `json:"totals"`
	Decision     *DecisionRecord          `json:"decision_record"`
}

// PlanTools resolves requested capabilities into a tool plan. It never
// returns an error for policy-level problems; those are reported in the
// result. The only error case is a missing registry or policy bundle.
func PlanTools(req PlanRequest) (*PlanResult, error) {
	if req.Registry == nil || req.Policies == nil {
		return nil, ErrNilPolicy
	}

	caps := dedupe(req.Capabilities)
	budget, clamped := effectiveBudget(req, caps)

	outcome := plan(req, caps, budget, false)
	if clamped {
		outcome.warnings = append([]string{fmt.Sprintf("budget clamped to agent ceiling $%.2f", budget)}, outcome.warnings...)
	}

	ok := len(caps) == 0 || (len(outcome.unserved) == 0 && outcome.total <= budget+1e-9)

	warnings := outcome.warnings
	if !ok {
		// A shadow pass with no budget constraint distinguishes
		// budget-only failures and yields the feasibility hint.
		shadow := plan(req, caps, math.Inf(1), true)
		if len(shadow.unserved) == 0 {
			warnings = append(warnings, fmt.Sprintf("minimum feasible budget: $%.2f", shadow.total))
		}
	}

	result := &PlanResult{
		OK:           ok,
		Plan:         outcome.entries,
		Rejected:     outcome.rejected,
		Alternatives: outcome.alternatives,
		Warnings:     warnings,
		Totals: Totals{
			EstimatedCostUSD: round2(outcome.total),
			Tools:            len(outcome.entries),
			Capabilities:     len(caps) - len(outcome.unserved),
		},
	}
	result.Decision = newDecisionRecord(req, caps, budget, result)
	return result, nil
}

// planOutcome is the intermediate result of one planning pass.
type planOutcome struct {
	entries      []PlanEntry
	rejected     []Rejection
	alternatives map[string][]Alternative
	warnings     []string
	unserved     []string
	total        float64
}

func plan(req PlanRequest, caps []string, budget float64, unlimited bool) planOutcome {
	reg, pol := req.Registry, req.Policies
	agent, hasAgent := pol.Agent(req.AgentID)

	out := planOutcome{alternatives: make(map[string][]Alternative, len(caps))}
	entryIdx := make(map[string]int, len(caps))

	for _, capability := range caps {
		candidates := pol.Candidates(capability)
		if len(candidates) == 0 {
			out.warnings = append(out.warnings, fmt.Sprintf("no candidate tools for capability %q", capability))
			out.unserved = append(out.unserved, capability)
			continue
		}

		ordered := orderCandidates(candidates, capability, reg, pol, req.Hints)
		fallback := secondaryFallback(ordered, capability, reg, pol)

		capBudget := budget
		if fallback && pol.Router.FallbackBudgetUSD > 0 && !unlimited {
			capBudget = pol.Router.FallbackBudgetUSD
		}

		var (
			alts     []Alternative
			selected *policy.Tool
			selCost  float64
		)
		for _, id := range ordered {
			reason, cost := filterCandidate(id, capability, req, agent, hasAgent, fallback, capBudget, unlimited)
			if reason != "" {
				alts = append(alts, Alternative{ToolID: id, Reason: reason})
				out.rejected = append(out.rejected, Rejection{ToolID: id, Capability: capability, Reason: reason})
				continue
			}
			if selected == nil {
				tool, _ := reg.Tool(id)
				selected, selCost = tool, cost
				alts = append(alts, Alternative{ToolID: id, Selected: true})
			} else {
				alts = append(alts, Alternative{ToolID: id, Reason: "ranked below selected tool"})
			}
		}
		out.alternatives[capability] = alts

		if selected == nil {
			out.unserved = append(out.unserved, capability)
			continue
		}

		if i, ok := entryIdx[selected.ID]; ok {
			out.entries[i].Capabilities = append(out.entries[i].Capabilities, capability)
			continue
		}
		entryIdx[selected.ID] = len(out.entries)
		out.entries = append(out.entries, PlanEntry{
			ToolID:           selected.ID,
			Capabilities:     []string{capability},
			EstimatedCostUSD: round2(selCost),
			SideEffects:      selected.SideEffects,
		})
		out.total += selCost
	}

	finalizeRationales(out.entries, req, budget, unlimited)
	return out
}

// filterCandidate applies the filter chain in contract order and returns
// the first rejection reason, or "" with the tool's cost when it survives.
func filterCandidate(id, capability string, req PlanRequest, agent policy.AgentPolicy, hasAgent, fallback bool, capBudget float64, unlimited bool) (string, float64) {
	tool, ok := req.Registry.Tool(id)
	if !ok {
		return ReasonNotInRegistry, 0
	}

	if hasAgent && len(agent.Allowlist) > 0 && !contains(agent.Allowlist, id) {
		return ReasonNotInAllowlist, 0
	}

	if tool.Tier == policy.TierSecondary && req.Policies.Tiers.Secondary.RequireConsent &&
		!req.SecondaryConsent && !fallback {
		return ReasonConsentRequired, 0
	}

	if req.Env["NODE_ENV"] == "production" && tool.HasMutatingSideEffect() &&
		!req.Policies.Safety.AllowProductionMutations && req.Env["SAFETY_ALLOW_PROD"] != "true" {
		return ReasonProductionSafety, 0
	}

	if domain := testModeDomain(capability, tool, req.Policies.Safety.RequireTestModeFor); domain != "" && req.Env["TEST_MODE"] != "true" {
		return fmt.Sprintf("%s for domain %q", ReasonTestModeRequired, domain), 0
	}

	if tool.APIKeyEnv != "" && req.Env[tool.APIKeyEnv] == "" && req.Env["TEST_MODE"] != "true" {
		return fmt.Sprintf("%s %s", ReasonMissingAPIKey, tool.APIKeyEnv), 0
	}

	cost := ToolCost(tool)
	if unlimited {
		return "", cost
	}
	allowed := capBudget
	if tool.Tier == policy.TierSecondary {
		if override, ok := req.Policies.Tiers.Secondary.BudgetOverrides[id]; ok {
			allowed = override
		}
	}
	if hasAgent {
		if ceiling, ok := agent.CapabilityBudgetUSD[capability]; ok && ceiling < allowed {
			allowed = ceiling
		}
	}
	if cost > allowed+1e-9 {
		return fmt.Sprintf("%s ($%.2f > $%.2f)", ReasonBudgetExceeded, cost, allowed), 0
	}
	return "", cost
}

// ToolCost returns a tool's estimated per-run cost in USD: the declarative
// flat_per_run amount, else the legacy cost_score at one cent per point.
func ToolCost(tool *policy.Tool) float64 {
	if tool.CostModel != nil && tool.CostModel.Type == "flat_per_run" {
		return tool.CostModel.USD
	}
	if tool.CostScore != nil {
		return *tool.CostScore * 0.01
	}
	return 0
}

// effectiveBudget resolves the budget per the contract: explicit argument,
// else the secondary default when every candidate of every requested
// capability is secondary, else the router default; finally clamped to the
// agent's total ceiling.
func effectiveBudget(req PlanRequest, caps []string) (float64, bool) {
	var budget float64
	switch {
	case req.BudgetUSD != nil:
		budget = *req.BudgetUSD
	case allCandidatesSecondary(req, caps):
		budget = req.Policies.Tiers.Secondary.DefaultBudgetUSD
	default:
		budget = req.Policies.Tiers.DefaultBudgetUSD
	}

	if agent, ok := req.Policies.Agent(req.AgentID); ok && agent.BudgetCeilingUSD != nil && budget > *agent.BudgetCeilingUSD {
		return *agent.BudgetCeilingUSD, true
	}
	return budget, false
}

func allCandidatesSecondary(req PlanRequest, caps []string) bool {
	for _, capability := range caps {
		for _, id := range req.Policies.Candidates(capability) {
			tool, ok := req.Registry.Tool(id)
			if !ok || tool.Tier != policy.TierSecondary {
				return false
			}
		}
	}
	return true
}

// orderCandidates applies tier reordering: crawl-scale hints promote
// secondaries for web.crawl; otherwise prefer_tier=primary promotes
// primaries. Order within a tier follows the capability map.
func orderCandidates(candidates []string, capability string, reg *policy.Registry, pol *policy.Policies, hints *Hints) []string {
	promoteSecondary := capability == "web.crawl" && hints != nil && hints.Crawl != nil &&
		(hints.Crawl.Pages > 100 || hints.Crawl.Depth > 2)

	if !promoteSecondary && pol.Tiers.PreferTier != policy.TierPrimary {
		return append([]string(nil), candidates...)
	}

	wantFirst := policy.TierPrimary
	if promoteSecondary {
		wantFirst = policy.TierSecondary
	}

	first := make([]string, 0, len(candidates))
	rest := make([]string, 0, len(candidates))
	for _, id := range candidates {
		tier := policy.TierPrimary
		if tool, ok := reg.Tool(id); ok {
			tier = tool.Tier
		}
		if tier == wantFirst {
			first = append(first, id)
		} else {
			rest = append(rest, id)
		}
	}
	return append(first, rest...)
}

// secondaryFallback reports whether the no-primary fallback applies to this
// capability's candidate list.
func secondaryFallback(candidates []string, capability string, reg *policy.Registry, pol *policy.Policies) bool {
	if pol.Router.OnMissingPrimary != policy.OnMissingPrimaryPropose {
		return false
	}
	for _, id := range candidates {
		if tool, ok := reg.Tool(id); ok && tool.Tier == policy.TierPrimary {
			return false
		}
	}
	return true
}

// testModeDomain returns the matching require_test_mode_for domain when the
// requested capability or any of the tool's declared capabilities falls
// under one, else "".
func testModeDomain(capability string, tool *policy.Tool, domains []string) string {
	for _, domain := range domains {
		if capInDomain(capability, domain) {
			return domain
		}
		for _, declared := range tool.Capabilities {
			if capInDomain(declared, domain) {
				return domain
			}
		}
	}
	return ""
}

func capInDomain(capability, domain string) bool {
	return capability == domain || strings.HasPrefix(capability, domain+".")
}

func finalizeRationales(entries []PlanEntry, req PlanRequest, budget float64, unlimited bool) {
	for i := range entries {
		tool, _ := req.Registry.Tool(entries[i].ToolID)
		var b strings.Builder
		b.WriteString(string(tool.Tier))
		b.WriteString(" tool")
		if tool.Tier == policy.TierSecondary && req.SecondaryConsent {
			b.WriteString(" with consent")
		}
		if unlimited {
			b.WriteString("; budget unconstrained")
		} else {
			fmt.Fprintf(&b, "; within budget ($%.2f <= $%.2f)", entries[i].EstimatedCostUSD, budget)
		}
		b.WriteString("; serves ")
		b.WriteString(strings.Join(entries[i].Capabilities, ", "))
		entries[i].Rationale = b.String()
	}
}

// dedupe removes duplicates preserving first-seen order.
func dedupe(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, capability := range caps {
		if !seen[capability] {
			seen[capability] = true
			out = append(out, capability)
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
