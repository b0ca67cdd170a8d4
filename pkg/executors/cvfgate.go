package executors

import (
	"context"
	"os"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/cvf"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// cvfGateExec runs the evidence gate inline as a terminal graph node.
// Gate failures are permanent: rerunning cannot conjure missing evidence.
type cvfGateExec struct{}

func (e *cvfGateExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	auvID := stringParam(ec.Params, "auv", ec.AUVID)
	opts := cvf.Options{
		Strict:  boolParam(ec.Params, "strict", false),
		Domains: stringsParam(ec.Params, "domains"),
	}
	if dir := stringParam(ec.Params, "catalog_dir", ""); dir != "" {
		catalog, err := cvf.LoadCatalog(dir)
		if err != nil {
			return nil, graph.Permanentf("loading AUV catalog %s: %v", dir, err)
		}
		opts.Catalog = catalog
	}

	report := cvf.Check(os.DirFS(ec.TenantRoot), auvID, opts)
	if !report.Passed {
		failures := report.Failures()
		shown := failures
		if len(shown) > 3 {
			shown = shown[:3]
		}
		return nil, graph.Permanentf("cvf gate failed for %s: %s", auvID, strings.Join(shown, "; "))
	}
	return &graph.ExecResult{
		Metadata: map[string]any{
			"auv":    auvID,
			"strict": opts.Strict,
			"checks": len(report.Details),
		},
	}, nil
}
