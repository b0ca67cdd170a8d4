// Package policy loads and validates the tool registry and the policy
// bundle that govern capability routing. Loading is strict: documents must
// pass schema validation and cross-reference checks before a router ever
// sees them, so planning never has to handle unknown tool ids.
package policy

// Tier classifies a tool's trust/cost class.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
)

// SideEffect names an externally visible effect a tool may have. The
// production safety gate keys off the mutating subset.
type SideEffect string

const (
	SideEffectNetwork   SideEffect = "network"
	SideEffectFileRead  SideEffect = "file_read"
	SideEffectFileWrite SideEffect = "file_write"
	SideEffectExec      SideEffect = "exec"
	SideEffectDatabase  SideEffect = "database"
)

// CostModel is the declarative per-run cost of a tool.
type CostModel struct {
	Type string  `yaml:"type" json:"type"`
	USD  float64 `yaml:"usd" json:"usd"`
}

// Tool is one registry entry.
type Tool struct {
	ID           string       `yaml:"id" json:"id"`
	Tier         Tier         `yaml:"tier" json:"tier"`
	Capabilities []string     `yaml:"capabilities" json:"capabilities"`
	CostModel    *CostModel   `yaml:"cost_model,omitempty" json:"cost_model,omitempty"`
	CostScore    *float64     `yaml:"cost_score,omitempty" json:"cost_score,omitempty"`
	APIKeyEnv    string       `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	SideEffects  []SideEffect `yaml:"side_effects,omitempty" json:"side_effects,omitempty"`
}

// HasMutatingSideEffect reports whether the tool declares any side effect
// gated in production (exec, file_write, database).
func (t *Tool) HasMutatingSideEffect() bool {
	for _, se := range t.SideEffects {
		switch se {
		case SideEffectExec, SideEffectFileWrite, SideEffectDatabase:
			return true
		}
	}
	return false
}

// Registry holds all known tools, indexed by id after load.
type Registry struct {
	Version string `yaml:"version" json:"version"`
	Tools   []Tool `yaml:"tools" json:"tools"`

	byID map[string]*Tool
}

// NewRegistry builds an indexed registry from tools, for programmatic
// construction; file-based loading goes through LoadRegistry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{Version: "inline", Tools: tools}
	r.index()
	return r
}

func (r *Registry) index() {
	r.byID = make(map[string]*Tool, len(r.Tools))
	for i := range r.Tools {
		r.byID[r.Tools[i].ID] = &r.Tools[i]
	}
}

// Tool returns the registry entry for id.
func (r *Registry) Tool(id string) (*Tool, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// SecondaryPolicy tunes secondary-tier behavior.
type SecondaryPolicy struct {
	DefaultBudgetUSD float64            `yaml:"default_budget_usd" json:"default_budget_usd"`
	RequireConsent   bool               `yaml:"require_consent" json:"require_consent"`
	BudgetOverrides  map[string]float64 `yaml:"budget_overrides,omitempty" json:"budget_overrides,omitempty"`
}

// TierPolicy holds per-tier defaults.
type TierPolicy struct {
	PreferTier       Tier            `yaml:"prefer_tier" json:"prefer_tier"`
	DefaultBudgetUSD float64         `yaml:"default_budget_usd" json:"default_budget_usd"`
	Secondary        SecondaryPolicy `yaml:"secondary" json:"secondary"`
}

// AgentPolicy restricts and budgets a single agent.
type AgentPolicy struct {
	Allowlist           []string           `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	BudgetCeilingUSD    *float64           `yaml:"budget_ceiling_usd,omitempty" json:"budget_ceiling_usd,omitempty"`
	CapabilityBudgetUSD map[string]float64 `yaml:"capability_budget_usd,omitempty" json:"capability_budget_usd,omitempty"`
}

// TenantPolicy caps what a tenant may request at enqueue time.
type TenantPolicy struct {
	BudgetCeilingUSD    *float64 `yaml:"budget_ceiling_usd,omitempty" json:"budget_ceiling_usd,omitempty"`
	AllowedCapabilities []string `yaml:"allowed_capabilities,omitempty" json:"allowed_capabilities,omitempty"`
}

// AllowsCapability reports whether the tenant may request cap. A tenant
// with no explicit allowed set may request anything.
func (p *TenantPolicy) AllowsCapability(cap string) bool {
	if len(p.AllowedCapabilities) == 0 {
		return true
	}
	for _, allowed := range p.AllowedCapabilities {
		if allowed == cap {
			return true
		}
	}
	return false
}

// SafetyPolicy holds the production and test-mode gates.
type SafetyPolicy struct {
	AllowProductionMutations bool     `yaml:"allow_production_mutations" json:"allow_production_mutations"`
	RequireTestModeFor       []string `yaml:"require_test_mode_for,omitempty" json:"require_test_mode_for,omitempty"`
}

// On-missing-primary fallback policies.
const (
	OnMissingPrimaryReject  = "reject"
	OnMissingPrimaryPropose = "propose_secondary_with_budget"
)

// RouterPolicy tunes plan construction.
type RouterPolicy struct {
	Version           string  `yaml:"version,omitempty" json:"version,omitempty"`
	OnMissingPrimary  string  `yaml:"on_missing_primary,omitempty" json:"on_missing_primary,omitempty"`
	FallbackBudgetUSD float64 `yaml:"fallback_budget_usd,omitempty" json:"fallback_budget_usd,omitempty"`
}

// Policies is the full policy bundle.
type Policies struct {
	CapabilityMap map[string][]string     `yaml:"capability_map" json:"capability_map"`
	Tiers         TierPolicy              `yaml:"tiers" json:"tiers"`
	Agents        map[string]AgentPolicy  `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tenants       map[string]TenantPolicy `yaml:"tenants,omitempty" json:"tenants,omitempty"`
	Safety        SafetyPolicy            `yaml:"safety" json:"safety"`
	Router        RouterPolicy            `yaml:"router" json:"router"`
}

// Agent returns the policy for an agent id, with ok=false when the agent
// has no entry (meaning: unrestricted).
func (p *Policies) Agent(id string) (AgentPolicy, bool) {
	a, ok := p.Agents[id]
	return a, ok
}

// Tenant returns the policy for a tenant, with ok=false when the tenant has
// no entry (meaning: no ceilings).
func (p *Policies) Tenant(name string) (TenantPolicy, bool) {
	t, ok := p.Tenants[name]
	return t, ok
}

// Candidates returns the ordered candidate tool ids for a capability.
func (p *Policies) Candidates(cap string) []string {
	return p.CapabilityMap[cap]
}

// Bundle couples a registry and policies that have been cross-validated.
type Bundle struct {
	Registry *Registry
	Policies *Policies
	Warnings []string
}
