package cvf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// requiredArtifacts is the central table mapping AUV id to the artifacts
// its evidence gate demands, relative to the AUV directory. An AUV with
// no entry here and no catalog override hard-fails the gate.
var requiredArtifacts = map[string][]string{
	"AUV-0002": {"api/products.json", "ui/products_grid.png", "perf/lighthouse.json"},
	"AUV-0003": {"api/cart.json", "ui/cart_summary.png", "perf/lighthouse.json"},
	"AUV-0004": {"api/search.json", "ui/products_search.png", "perf/lighthouse.json"},
	"AUV-0005": {"api/checkout.json", "ui/checkout_success.png", "perf/lighthouse.json"},
	"AUV-0101": {"api/results.json", "ui/home.png", "perf/lighthouse.json"},
	"AUV-1101": {"insights.json", "charts/metrics.png"},
	"AUV-1202": {"reports/seo/audit.json"},
	"AUV-1301": {"media/compose-metadata.json"},
	"AUV-1401": {"db/migration-result.json"},
}

// PerfBudgets are per-AUV headline metric ceilings. Zero fields are
// unbudgeted.
type PerfBudgets struct {
	ScoreMin float64 `yaml:"score_min"`
	FCPMs    float64 `yaml:"fcp_ms"`
	LCPMs    float64 `yaml:"lcp_ms"`
	TTIMs    float64 `yaml:"tti_ms"`
	TBTMs    float64 `yaml:"tbt_ms"`
}

// AUVOverride is one catalog entry. Required artifacts are unioned with
// the built-in table; budgets replace the (absent) defaults.
type AUVOverride struct {
	RequiredArtifacts []string     `yaml:"required_artifacts"`
	PerfBudgets       *PerfBudgets `yaml:"perf_budgets"`
}

// Catalog holds per-AUV overrides loaded from YAML files named after the
// AUV id (capabilities/AUV-0101.yaml).
type Catalog struct {
	overrides map[string]AUVOverride
}

// LoadCatalog reads every *.yaml file in dir. A missing dir yields an
// empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	cat := &Catalog{overrides: map[string]AUVOverride{}}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading AUV catalog %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading catalog entry %s: %w", name, err)
		}
		var ov AUVOverride
		if err := yaml.Unmarshal(raw, &ov); err != nil {
			return nil, fmt.Errorf("parsing catalog entry %s: %w", name, err)
		}
		auvID := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		cat.overrides[auvID] = ov
	}
	return cat, nil
}

// Required resolves the artifact list for an AUV: the built-in table
// unioned with any catalog additions, original order preserved.
func (c *Catalog) Required(auvID string) ([]string, bool) {
	base, known := requiredArtifacts[auvID]
	var extra []string
	if c != nil {
		if ov, ok := c.overrides[auvID]; ok {
			extra = ov.RequiredArtifacts
			known = known || len(extra) > 0
		}
	}
	if !known {
		return nil, false
	}
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range base {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range extra {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, true
}

// Budgets returns the perf budgets for an AUV, if any.
func (c *Catalog) Budgets(auvID string) *PerfBudgets {
	if c == nil {
		return nil
	}
	if ov, ok := c.overrides[auvID]; ok {
		return ov.PerfBudgets
	}
	return nil
}
