package auth

import (
	"fmt"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
)

// PolicyViolationError reports a tenant policy ceiling that rejected a
// submission before anything durable was written.
type PolicyViolationError struct {
	Tenant string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("tenant %s policy violation: %s", e.Tenant, e.Reason)
}

// CheckTenantPolicy applies the pre-enqueue ceilings for a tenant: the
// requested budget must not exceed the tenant's ceiling and every
// requested capability must be in the tenant's allowed set. A nil bundle
// or an unlisted tenant means no ceilings.
func CheckTenantPolicy(policies *policy.Policies, tenantName string, budgetUSD float64, requiredCaps []string) error {
	if policies == nil {
		return nil
	}
	pol, ok := policies.Tenant(tenantName)
	if !ok {
		return nil
	}
	if pol.BudgetCeilingUSD != nil && budgetUSD > *pol.BudgetCeilingUSD {
		return &PolicyViolationError{
			Tenant: tenantName,
			Reason: fmt.Sprintf("budget %.2f USD exceeds ceiling %.2f USD", budgetUSD, *pol.BudgetCeilingUSD),
		}
	}
	for _, cap := range requiredCaps {
		if !pol.AllowsCapability(cap) {
			return &PolicyViolationError{
				Tenant: tenantName,
				Reason: fmt.Sprintf("capability %q not in allowed set", cap),
			}
		}
	}
	return nil
}
