package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/executors"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/router"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/version"
)

// runSettings are the per-invocation knobs shared by run-graph and the
// AUV shortcut.
type runSettings struct {
	RunID       string
	Resume      bool
	Concurrency int
	BudgetUSD   float64
	Consent     bool
	PolicyDir   string
}

// runFlags registers the flags shared by run-graph and the AUV shortcut
// on fs and returns the destinations.
func runFlags(fs *flag.FlagSet) (tenantFlag, runID, resume *string, concurrency *int, budget *float64, consent *bool, policyDir *string) {
	tenantFlag = fs.String("tenant", "", "tenant the run executes under (TENANT_ID)")
	runID = fs.String("run-id", "", "run identifier (minted when empty)")
	resume = fs.String("resume", "", "resume a previous run by id")
	concurrency = fs.Int("concurrency", 0, "max nodes in flight (graph setting when 0)")
	budget = fs.Float64("budget", 0, "tool planning budget in USD")
	consent = fs.Bool("consent", false, "consent to secondary (paid) tools")
	policyDir = fs.String("policy-dir", "", "policy bundle directory (POLICY_DIR, default mcp/)")
	return
}

// settle merges the resume flag into the run settings: resuming reuses
// the resumed run's id.
func settle(runID, resume string, concurrency int, budget float64, consent bool, policyDir string) (runSettings, error) {
	set := runSettings{
		RunID:       runID,
		Concurrency: concurrency,
		BudgetUSD:   budget,
		Consent:     consent,
		PolicyDir:   policyDir,
	}
	if resume != "" {
		if runID != "" && runID != resume {
			return set, fmt.Errorf("--run-id %s conflicts with --resume %s", runID, resume)
		}
		set.RunID = resume
		set.Resume = true
	}
	return set, nil
}

// cmdRunGraph executes a graph spec file in this process. This is also
// the entry point queue workers launch as a child process, so the flag
// surface must stay compatible with the worker's launch arguments.
func (a *app) cmdRunGraph(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run-graph", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag, runID, resume, concurrency, budget, consent, policyDir := runFlags(fs)

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return exitcode.Newf(exitcode.Usage, "graph", "usage: swarm run-graph <graph.yaml> [flags]")
	}
	graphFile := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return exitcode.New(exitcode.Usage, "graph", err)
	}
	set, err := settle(*runID, *resume, *concurrency, *budget, *consent, *policyDir)
	if err != nil {
		return exitcode.New(exitcode.Usage, "graph", err)
	}

	cfg, _, err := a.resolveConfig("run-graph", "graph", *tenantFlag)
	if err != nil {
		return err
	}

	path := graphFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.ProjectRoot, path)
	}
	spec, err := graph.LoadSpec(path)
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "graph", err)
	}
	a.auvID = spec.AUVID

	return a.executeGraph(ctx, cfg, spec, graphFile, set)
}

// cmdRunAUV runs the built-in delivery graph for one AUV: a staging
// server, API and browser tests against it, a performance audit once both
// pass, and the evidence gate last.
func (a *app) cmdRunAUV(ctx context.Context, auvID string, args []string) error {
	fs := flag.NewFlagSet(auvID, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag, runID, resume, concurrency, budget, consent, policyDir := runFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "graph", err)
	}
	set, err := settle(*runID, *resume, *concurrency, *budget, *consent, *policyDir)
	if err != nil {
		return exitcode.New(exitcode.Usage, "graph", err)
	}

	cfg, _, err := a.resolveConfig(auvID, "graph", *tenantFlag)
	if err != nil {
		return err
	}

	spec, err := graph.ParseSpec(builtinGraph(auvID))
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "graph", err)
	}
	a.auvID = auvID

	return a.executeGraph(ctx, cfg, spec, "builtin:"+auvID, set)
}

// cmdValidate parses and validates a graph spec without running it.
func (a *app) cmdValidate(args []string) error {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		return exitcode.Newf(exitcode.Usage, "graph", "usage: swarm validate <graph.yaml>")
	}
	spec, err := graph.LoadSpec(args[0])
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "graph", err)
	}
	edges := 0
	for i := range spec.Nodes {
		edges += len(spec.Nodes[i].Requires)
	}
	fmt.Printf("Graph OK: project %s, %d nodes, %d edges, concurrency %d\n",
		spec.ProjectID, len(spec.Nodes), edges, spec.EffectiveConcurrency(0))
	return nil
}

// builtinGraph renders the canonical single-AUV delivery graph used by
// the `swarm <AUV-ID>` shortcut.
func builtinGraph(auvID string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "project_id: swarm\nauv_id: %s\n", auvID)
	b.WriteString(`defaults:
  retries: 1
  timeout_ms: 180000
concurrency: 3
nodes:
  - id: server
    type: server
    resources: [server]
  - id: api-test
    type: api-test
    requires: [server]
  - id: browser-test
    type: browser-test
    requires: [server]
  - id: perf-audit
    type: perf-audit
    requires: [api-test, browser-test]
  - id: cvf-gate
    type: cvf-gate
    requires: [perf-audit]
`)
	return []byte(b.String())
}

// executeGraph drives one run end to end: tenant layout, tool planning,
// the runner itself, and the mapping of the outcome to a typed exit.
func (a *app) executeGraph(ctx context.Context, cfg *config.Engine, spec *graph.Spec, graphFile string, set runSettings) error {
	if err := tenant.EnsureLayout(cfg.ProjectRoot, a.tenant); err != nil {
		return exitcode.New(exitcode.GenericFailure, "graph", err)
	}
	tenantRoot := tenant.Root(cfg.ProjectRoot, a.tenant)

	runID := set.RunID
	if runID == "" {
		runID = graph.NewRunID(time.Now())
	}
	a.runID = runID

	env := execEnv(cfg)
	plan, err := a.planTools(cfg, spec, tenantRoot, runID, set, env)
	if err != nil {
		return err
	}

	runner := graph.NewRunner(spec, graphFile, executors.NewRegistry(), graph.RunOptions{
		RunID:       runID,
		Tenant:      a.tenant,
		TenantRoot:  tenantRoot,
		Concurrency: set.Concurrency,
		Resume:      set.Resume,
		Env:         env,
		Plan:        plan,
		Sink:        observability.NewSink(tenantRoot),
	})

	// Interrupts cancel the run context; the runner drains in-flight
	// nodes and persists their terminal state before Run returns.
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Run starting",
		"version", version.Full(),
		"run_id", runID,
		"graph", graphFile,
		"tenant", a.tenant,
		"nodes", len(spec.Nodes),
		"resume", set.Resume)

	progressCtx, stopProgress := context.WithCancel(runCtx)
	go reportProgress(progressCtx, tenantRoot, runID, len(spec.Nodes))

	result, err := runner.Run(runCtx)
	stopProgress()
	if err != nil {
		switch {
		case errors.Is(err, graph.ErrStateNotFound):
			return exitcode.New(exitcode.ResumeStateMissing, "graph", err)
		case errors.Is(err, context.Canceled):
			return exitcode.New(exitcode.JobCancelled, "graph", err)
		default:
			return exitcode.New(exitcode.GenericFailure, "graph", err)
		}
	}
	if !result.Success {
		code, detail := runFailure(spec, runner.State())
		return exitcode.Newf(code, "graph", "run %s failed: %s", result.RunID, detail)
	}

	fmt.Printf("%d/%d nodes (100%%)\n", len(spec.Nodes), len(spec.Nodes))
	fmt.Printf("Run %s completed: %d nodes in %dms\nState: %s\n",
		result.RunID, len(result.Completed), result.DurationMS, result.StatePath)
	return nil
}

// reportProgress prints node completion percentages to stdout while the
// run executes. It polls the durable state file rather than the runner's
// in-memory state, so it never races with the scheduler; the same lines
// feed the queue worker's progress extraction when running as a child.
func reportProgress(ctx context.Context, tenantRoot, runID string, total int) {
	if total == 0 {
		return
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := graph.LoadState(tenantRoot, runID)
			if err != nil {
				continue
			}
			done := 0
			for _, ns := range st.Nodes {
				if ns.Status.Terminal() {
					done++
				}
			}
			if done != last && done < total {
				fmt.Printf("%d/%d nodes (%d%%)\n", done, total, done*100/total)
				last = done
			}
		}
	}
}

// planTools resolves the run's tool plan when subagent nodes request
// capabilities and a policy bundle is present. The decision record lands
// next to the run state either way, so rejections stay auditable.
func (a *app) planTools(cfg *config.Engine, spec *graph.Spec, tenantRoot, runID string, set runSettings, env map[string]string) ([]router.PlanEntry, error) {
	agentID, caps := planCapabilities(spec)
	if len(caps) == 0 {
		return nil, nil
	}

	dir := resolvePolicyDir(set.PolicyDir, cfg.ProjectRoot)
	bundle, err := loadPolicyBundle(dir)
	if err != nil {
		return nil, exitcode.New(exitcode.GenericFailure, "router", err)
	}
	if bundle == nil {
		slog.Warn("No policy bundle found, subagent nodes run without tools", "dir", dir)
		return nil, nil
	}

	req := router.PlanRequest{
		AgentID:          agentID,
		Capabilities:     caps,
		SecondaryConsent: set.Consent,
		Env:              env,
		Registry:         bundle.Registry,
		Policies:         bundle.Policies,
	}
	if set.BudgetUSD > 0 {
		budget := set.BudgetUSD
		req.BudgetUSD = &budget
	}
	result, err := router.PlanTools(req)
	if err != nil {
		return nil, exitcode.New(exitcode.GenericFailure, "router", err)
	}
	if result.Decision != nil {
		if path, werr := router.WriteDecision(tenantRoot, runID, result.Decision); werr != nil {
			slog.Warn("Failed to write decision record", "error", werr)
		} else {
			slog.Info("Decision record written", "path", path)
		}
	}
	if !result.OK {
		return nil, exitcode.Newf(exitcode.PermissionDenied, "router",
			"no tool plan satisfies %v: %s", caps, rejectionSummary(result.Rejected))
	}
	slog.Info("Tool plan resolved",
		"agent", agentID,
		"tools", result.Totals.Tools,
		"capabilities", result.Totals.Capabilities,
		"estimated_cost_usd", result.Totals.EstimatedCostUSD)
	return result.Plan, nil
}

// planCapabilities gathers the tool capabilities subagent nodes declare
// in their params, plus the first agent id named by one. Order follows
// first appearance so planning stays deterministic for a given graph.
func planCapabilities(spec *graph.Spec) (agentID string, caps []string) {
	seen := make(map[string]bool)
	for i := range spec.Nodes {
		node := &spec.Nodes[i]
		if node.Type != "subagent" {
			continue
		}
		if agentID == "" {
			if v, ok := node.Params["agent"].(string); ok {
				agentID = v
			}
		}
		raw, ok := node.Params["capabilities"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			if c, ok := item.(string); ok && c != "" && !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	return agentID, caps
}

// rejectionSummary flattens the first few rejections into one line.
func rejectionSummary(rejected []router.Rejection) string {
	if len(rejected) == 0 {
		return "no candidate tools"
	}
	const limit = 3
	parts := make([]string, 0, limit)
	for i, r := range rejected {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(rejected)-limit))
			break
		}
		parts = append(parts, fmt.Sprintf("%s for %s: %s", r.ToolID, r.Capability, r.Reason))
	}
	return strings.Join(parts, "; ")
}

// resolvePolicyDir picks the policy bundle directory: explicit flag, then
// POLICY_DIR, then mcp/ under the project root.
func resolvePolicyDir(flagValue, projectRoot string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("POLICY_DIR"); v != "" {
		return v
	}
	return filepath.Join(projectRoot, "mcp")
}

// loadPolicyBundle loads the bundle when the directory exists. A missing
// directory is not an error: policy gating is opt-in.
func loadPolicyBundle(dir string) (*policy.Bundle, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return policy.LoadDir(dir)
}

// execEnv snapshots the process environment for executors and the
// router, normalizing the engine's resolved safety knobs on top.
func execEnv(cfg *config.Engine) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	if cfg.StagingURL != "" {
		env["STAGING_URL"] = cfg.StagingURL
	}
	if cfg.APIBase != "" {
		env["API_BASE"] = cfg.APIBase
	}
	if cfg.TestMode {
		env["TEST_MODE"] = "true"
	}
	if cfg.SafetyAllowProd {
		env["SAFETY_ALLOW_PROD"] = "true"
	}
	env["NODE_ENV"] = cfg.NodeEnv
	return env
}

// runFailure maps a failed run to its typed exit code using the first
// failed node in graph order, and summarizes every failure for the
// one-line error.
func runFailure(spec *graph.Spec, st *graph.RunState) (int, string) {
	code := 0
	var parts []string
	for i := range spec.Nodes {
		node := &spec.Nodes[i]
		ns, ok := st.Nodes[node.ID]
		if !ok || ns.Status != graph.StatusFailed {
			continue
		}
		if code == 0 {
			code = nodeExitCode(node.Type)
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s", node.ID, node.Type, ns.Error))
	}
	if code == 0 {
		code = exitcode.GenericFailure
	}
	if len(parts) == 0 {
		return code, "no node failed but the run did not succeed"
	}
	return code, strings.Join(parts, "; ")
}

// nodeExitCode is the typed exit code for a node type's failure.
func nodeExitCode(nodeType string) int {
	switch nodeType {
	case "browser-test", "visual-capture":
		return exitcode.BrowserTestsFailed
	case "perf-audit":
		return exitcode.PerfAuditFailed
	case "cvf-gate":
		return exitcode.CvfGateFailed
	case "visual-compare":
		return exitcode.VisualRegression
	case "data.ingest", "data.insights":
		return exitcode.DomainCode("data")
	case "chart.render":
		return exitcode.DomainCode("charts")
	case "seo.audit":
		return exitcode.DomainCode("seo")
	case "audio.tts", "video.compose":
		return exitcode.DomainCode("media")
	case "db.migration":
		return exitcode.DomainCode("db")
	case "subagent":
		return exitcode.AgentOutputFailed
	}
	return exitcode.GenericFailure
}
