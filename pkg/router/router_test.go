package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
)

func flat(usd float64) *policy.CostModel {
	return &policy.CostModel{Type: "flat_per_run", USD: usd}
}

func f64(v float64) *float64 { return &v }

func fixtureRegistry() *policy.Registry {
	return policy.NewRegistry(
		policy.Tool{ID: "playwright", Tier: policy.TierPrimary, Capabilities: []string{"browser.automation", "screenshot"}, CostModel: flat(0)},
		policy.Tool{ID: "vercel", Tier: policy.TierSecondary, Capabilities: []string{"deploy.preview"}, CostModel: flat(0.10), APIKeyEnv: "VERCEL_API_KEY", SideEffects: []policy.SideEffect{policy.SideEffectNetwork}},
		policy.Tool{ID: "crawler-lite", Tier: policy.TierPrimary, Capabilities: []string{"web.crawl"}, CostModel: flat(0)},
		policy.Tool{ID: "firecrawl", Tier: policy.TierSecondary, Capabilities: []string{"web.crawl"}, CostModel: flat(0.05), APIKeyEnv: "FIRECRAWL_API_KEY"},
		policy.Tool{ID: "stripe-test", Tier: policy.TierPrimary, Capabilities: []string{"payments.test"}, CostModel: flat(0)},
		policy.Tool{ID: "db-apply", Tier: policy.TierPrimary, Capabilities: []string{"db.migrate"}, CostModel: flat(0), SideEffects: []policy.SideEffect{policy.SideEffectDatabase}},
		policy.Tool{ID: "legacy-scorer", Tier: policy.TierPrimary, Capabilities: []string{"report.score"}, CostScore: f64(5)},
	)
}

func fixturePolicies() *policy.Policies {
	return &policy.Policies{
		CapabilityMap: map[string][]string{
			"browser.automation": {"playwright"},
			"screenshot":         {"playwright"},
			"deploy.preview":     {"vercel"},
			"web.crawl":          {"crawler-lite", "firecrawl"},
			"payments.test":      {"stripe-test"},
			"db.migrate":         {"db-apply"},
			"report.score":       {"legacy-scorer"},
		},
		Tiers: policy.TierPolicy{
			PreferTier:       policy.TierPrimary,
			DefaultBudgetUSD: 0.25,
			Secondary: policy.SecondaryPolicy{
				DefaultBudgetUSD: 1.0,
				RequireConsent:   true,
			},
		},
		Agents: map[string]policy.AgentPolicy{
			"B7":  {Allowlist: []string{"playwright"}},
			"C16": {Allowlist: []string{"vercel", "playwright"}},
		},
		Safety: policy.SafetyPolicy{
			AllowProductionMutations: false,
			RequireTestModeFor:       []string{"payments", "deploy"},
		},
		Router: policy.RouterPolicy{
			Version:           "1",
			OnMissingPrimary:  policy.OnMissingPrimaryPropose,
			FallbackBudgetUSD: 0.50,
		},
	}
}

func TestPlanToolsPrimaryOnly(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "B7",
		Capabilities: []string{"browser.automation", "screenshot"},
		BudgetUSD:    f64(0.25),
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)

	assert.True(t, result.OK)
	require.Len(t, result.Plan, 1)
	entry := result.Plan[0]
	assert.Equal(t, "playwright", entry.ToolID)
	assert.Equal(t, []string{"browser.automation", "screenshot"}, entry.Capabilities)
	assert.Zero(t, result.Totals.EstimatedCostUSD)
	assert.Contains(t, entry.Rationale, "primary")
	assert.Contains(t, entry.Rationale, "within budget")
}

func TestPlanToolsConsentGate(t *testing.T) {
	pol := fixturePolicies()
	// Exercise the bare consent rejection: no missing-primary fallback and
	// no test-mode domain covering deploys.
	pol.Router.OnMissingPrimary = policy.OnMissingPrimaryReject
	pol.Safety.RequireTestModeFor = []string{"payments"}

	req := PlanRequest{
		AgentID:      "C16",
		Capabilities: []string{"deploy.preview"},
		BudgetUSD:    f64(0.50),
		Env:          map[string]string{"VERCEL_API_KEY": "xxx"},
		Registry:     fixtureRegistry(),
		Policies:     pol,
	}

	result, err := PlanTools(req)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "vercel", result.Rejected[0].ToolID)
	assert.Equal(t, ReasonConsentRequired, result.Rejected[0].Reason)

	req.SecondaryConsent = true
	result, err = PlanTools(req)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.InDelta(t, 0.10, result.Totals.EstimatedCostUSD, 1e-9)
	require.Len(t, result.Plan, 1)
	assert.Contains(t, result.Plan[0].Rationale, "with consent")
}

func TestPlanToolsEmptyRequest(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:  "B7",
		Env:      map[string]string{},
		Registry: fixtureRegistry(),
		Policies: fixturePolicies(),
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Empty(t, result.Plan)
	assert.Zero(t, result.Totals.EstimatedCostUSD)
}

func TestPlanToolsDedupesCapabilities(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "B7",
		Capabilities: []string{"screenshot", "screenshot", "browser.automation", "screenshot"},
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)
	require.Len(t, result.Plan, 1)
	assert.Equal(t, []string{"screenshot", "browser.automation"}, result.Plan[0].Capabilities)
	assert.Equal(t, 2, result.Totals.Capabilities)
}

func TestPlanToolsBudgetBoundary(t *testing.T) {
	base := PlanRequest{
		AgentID:          "C16",
		Capabilities:     []string{"deploy.preview"},
		SecondaryConsent: true,
		Env:              map[string]string{"VERCEL_API_KEY": "xxx", "TEST_MODE": "true"},
		Registry:         fixtureRegistry(),
		Policies:         fixturePolicies(),
	}

	t.Run("budget exactly equal to cost is accepted", func(t *testing.T) {
		req := base
		req.BudgetUSD = f64(0.10)
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.True(t, result.OK)
	})

	t.Run("budget one cent below cost is rejected with a hint", func(t *testing.T) {
		req := base
		req.BudgetUSD = f64(0.09)
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.False(t, result.OK)
		require.NotEmpty(t, result.Rejected)
		assert.Contains(t, result.Rejected[0].Reason, ReasonBudgetExceeded)
		assert.Contains(t, result.Warnings, "minimum feasible budget: $0.10")
	})
}

func TestPlanToolsAllowlistFilter(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "B7", // allowlist contains only playwright
		Capabilities: []string{"deploy.preview"},
		BudgetUSD:    f64(1.0),
		Env:          map[string]string{"VERCEL_API_KEY": "xxx", "TEST_MODE": "true"},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Rejected)
	assert.Equal(t, ReasonNotInAllowlist, result.Rejected[0].Reason)
}

func TestPlanToolsProductionSafety(t *testing.T) {
	base := PlanRequest{
		AgentID:      "OPS",
		Capabilities: []string{"db.migrate"},
		BudgetUSD:    f64(1.0),
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	}

	t.Run("mutating tool blocked in production", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"NODE_ENV": "production"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.False(t, result.OK)
		require.NotEmpty(t, result.Rejected)
		assert.Equal(t, ReasonProductionSafety, result.Rejected[0].Reason)
	})

	t.Run("SAFETY_ALLOW_PROD overrides the gate", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"NODE_ENV": "production", "SAFETY_ALLOW_PROD": "true"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.True(t, result.OK)
	})

	t.Run("non-production env passes", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"NODE_ENV": "staging"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.True(t, result.OK)
	})
}

func TestPlanToolsTestModeDomains(t *testing.T) {
	base := PlanRequest{
		AgentID:      "QA",
		Capabilities: []string{"payments.test"},
		BudgetUSD:    f64(1.0),
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	}

	t.Run("payments domain requires TEST_MODE", func(t *testing.T) {
		req := base
		req.Env = map[string]string{}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.False(t, result.OK)
		require.NotEmpty(t, result.Rejected)
		assert.Contains(t, result.Rejected[0].Reason, ReasonTestModeRequired)
	})

	t.Run("TEST_MODE=true passes", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"TEST_MODE": "true"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.True(t, result.OK)
	})
}

func TestPlanToolsAPIKeyGate(t *testing.T) {
	base := PlanRequest{
		AgentID:          "C16",
		Capabilities:     []string{"deploy.preview"},
		BudgetUSD:        f64(1.0),
		SecondaryConsent: true,
		Registry:         fixtureRegistry(),
		Policies:         fixturePolicies(),
	}

	t.Run("missing key rejects", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"TEST_MODE": "false"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.False(t, result.OK)
		require.NotEmpty(t, result.Rejected)
		assert.Contains(t, result.Rejected[0].Reason, ReasonMissingAPIKey)
		assert.Contains(t, result.Rejected[0].Reason, "VERCEL_API_KEY")
	})

	t.Run("TEST_MODE bypasses the key check", func(t *testing.T) {
		req := base
		req.Env = map[string]string{"TEST_MODE": "true"}
		result, err := PlanTools(req)
		require.NoError(t, err)
		assert.True(t, result.OK)
	})
}

func TestPlanToolsCrawlHintPromotesSecondary(t *testing.T) {
	base := PlanRequest{
		AgentID:          "R2",
		Capabilities:     []string{"web.crawl"},
		BudgetUSD:        f64(1.0),
		SecondaryConsent: true,
		Env:              map[string]string{"FIRECRAWL_API_KEY": "xxx"},
		Registry:         fixtureRegistry(),
		Policies:         fixturePolicies(),
	}

	t.Run("small crawl prefers primary", func(t *testing.T) {
		req := base
		req.Hints = &Hints{Crawl: &CrawlHints{Pages: 10, Depth: 1}}
		result, err := PlanTools(req)
		require.NoError(t, err)
		require.Len(t, result.Plan, 1)
		assert.Equal(t, "crawler-lite", result.Plan[0].ToolID)
	})

	t.Run("large crawl promotes secondary", func(t *testing.T) {
		req := base
		req.Hints = &Hints{Crawl: &CrawlHints{Pages: 500, Depth: 1}}
		result, err := PlanTools(req)
		require.NoError(t, err)
		require.Len(t, result.Plan, 1)
		assert.Equal(t, "firecrawl", result.Plan[0].ToolID)
	})

	t.Run("deep crawl promotes secondary", func(t *testing.T) {
		req := base
		req.Hints = &Hints{Crawl: &CrawlHints{Pages: 10, Depth: 3}}
		result, err := PlanTools(req)
		require.NoError(t, err)
		require.Len(t, result.Plan, 1)
		assert.Equal(t, "firecrawl", result.Plan[0].ToolID)
	})
}

func TestPlanToolsSecondaryFallbackWithoutConsent(t *testing.T) {
	// deploy.preview has no primary candidate; on_missing_primary=propose
	// admits the secondary without consent under the fallback budget.
	result, err := PlanTools(PlanRequest{
		AgentID:      "C16",
		Capabilities: []string{"deploy.preview"},
		BudgetUSD:    f64(0.50),
		Env:          map[string]string{"VERCEL_API_KEY": "xxx", "TEST_MODE": "true"},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	require.Len(t, result.Plan, 1)
	assert.Equal(t, "vercel", result.Plan[0].ToolID)
}

func TestPlanToolsLegacyCostScore(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "R2",
		Capabilities: []string{"report.score"},
		BudgetUSD:    f64(0.25),
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	require.Len(t, result.Plan, 1)
	assert.InDelta(t, 0.05, result.Plan[0].EstimatedCostUSD, 1e-9)
}

func TestPlanToolsSecondaryDefaultBudget(t *testing.T) {
	// Every candidate secondary and no explicit budget: the secondary
	// default applies.
	pol := fixturePolicies()
	pol.Router.OnMissingPrimary = policy.OnMissingPrimaryReject
	result, err := PlanTools(PlanRequest{
		AgentID:          "C16",
		Capabilities:     []string{"deploy.preview"},
		SecondaryConsent: true,
		Env:              map[string]string{"VERCEL_API_KEY": "xxx", "TEST_MODE": "true"},
		Registry:         fixtureRegistry(),
		Policies:         pol,
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.InDelta(t, 1.0, result.Decision.EffectiveBudgetUSD, 1e-9)
}

func TestPlanToolsAgentCeilingClampsBudget(t *testing.T) {
	pol := fixturePolicies()
	pol.Agents["B7"] = policy.AgentPolicy{Allowlist: []string{"playwright"}, BudgetCeilingUSD: f64(0.05)}

	result, err := PlanTools(PlanRequest{
		AgentID:      "B7",
		Capabilities: []string{"screenshot"},
		BudgetUSD:    f64(10.0),
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     pol,
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.InDelta(t, 0.05, result.Decision.EffectiveBudgetUSD, 1e-9)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "clamped")
}

func TestPlanToolsUnknownCapability(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "B7",
		Capabilities: []string{"quantum.teleport"},
		BudgetUSD:    f64(1.0),
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "quantum.teleport")
}

func TestPlanToolsAlternativesMarkSelection(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:          "R2",
		Capabilities:     []string{"web.crawl"},
		BudgetUSD:        f64(1.0),
		SecondaryConsent: true,
		Env:              map[string]string{"FIRECRAWL_API_KEY": "xxx"},
		Registry:         fixtureRegistry(),
		Policies:         fixturePolicies(),
	})
	require.NoError(t, err)

	alts := result.Alternatives["web.crawl"]
	require.Len(t, alts, 2)
	assert.Equal(t, "crawler-lite", alts[0].ToolID)
	assert.True(t, alts[0].Selected)
	assert.Equal(t, "firecrawl", alts[1].ToolID)
	assert.False(t, alts[1].Selected)
	assert.Equal(t, "ranked below selected tool", alts[1].Reason)
}

func TestPlanToolsNilPolicies(t *testing.T) {
	_, err := PlanTools(PlanRequest{AgentID: "B7"})
	assert.ErrorIs(t, err, ErrNilPolicy)
}

func TestWriteDecision(t *testing.T) {
	result, err := PlanTools(PlanRequest{
		AgentID:      "B7",
		Capabilities: []string{"screenshot"},
		Env:          map[string]string{},
		Registry:     fixtureRegistry(),
		Policies:     fixturePolicies(),
	})
	require.NoError(t, err)

	root := t.TempDir()
	path, err := WriteDecision(root, "RUN-2026-08-25-ab12", result.Decision)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "router", "RUN-2026-08-25-ab12", "decision.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded DecisionRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "B7", decoded.AgentID)
	assert.True(t, decoded.OK)
}
