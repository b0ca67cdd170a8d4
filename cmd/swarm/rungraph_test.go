package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/router"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

func exitCodeOf(t *testing.T, err error) int {
	t.Helper()
	var typed *exitcode.Error
	require.ErrorAs(t, err, &typed)
	return typed.Code
}

func TestBuiltinGraphIsValid(t *testing.T) {
	spec, err := graph.ParseSpec(builtinGraph("AUV-0101"))
	require.NoError(t, err)

	assert.Equal(t, "swarm", spec.ProjectID)
	assert.Equal(t, "AUV-0101", spec.AUVID)
	assert.Equal(t, 3, spec.EffectiveConcurrency(0))
	require.Len(t, spec.Nodes, 5)

	byID := make(map[string]*graph.Node)
	for i := range spec.Nodes {
		byID[spec.Nodes[i].ID] = &spec.Nodes[i]
	}
	require.Contains(t, byID, "server")
	assert.Equal(t, []string{"server"}, byID["server"].Resources)
	assert.ElementsMatch(t, []string{"api-test", "browser-test"}, byID["perf-audit"].Requires)
	assert.Equal(t, []string{"perf-audit"}, byID["cvf-gate"].Requires)
}

func TestSettle(t *testing.T) {
	set, err := settle("", "", 0, 0, false, "")
	require.NoError(t, err)
	assert.Empty(t, set.RunID)
	assert.False(t, set.Resume)

	set, err = settle("", "RUN-2026-01-01-abcd", 2, 1.5, true, "policies")
	require.NoError(t, err)
	assert.Equal(t, "RUN-2026-01-01-abcd", set.RunID)
	assert.True(t, set.Resume)
	assert.Equal(t, 2, set.Concurrency)
	assert.Equal(t, 1.5, set.BudgetUSD)
	assert.True(t, set.Consent)

	set, err = settle("RUN-2026-01-01-abcd", "RUN-2026-01-01-abcd", 0, 0, false, "")
	require.NoError(t, err)
	assert.True(t, set.Resume)

	_, err = settle("RUN-A", "RUN-B", 0, 0, false, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts")
}

func TestPlanCapabilities(t *testing.T) {
	spec, err := graph.ParseSpec([]byte(`
project_id: demo
nodes:
  - id: fetch
    type: subagent
    params:
      agent: A2.requirements_analyst
      capabilities: [web.search, web.fetch]
  - id: summarize
    type: subagent
    requires: [fetch]
    params:
      agent: B7.rapid_builder
      capabilities: [web.fetch, doc.generate]
  - id: gate
    type: cvf-gate
    requires: [summarize]
`))
	require.NoError(t, err)

	agentID, caps := planCapabilities(spec)
	assert.Equal(t, "A2.requirements_analyst", agentID)
	assert.Equal(t, []string{"web.search", "web.fetch", "doc.generate"}, caps)
}

func TestPlanCapabilitiesNoSubagents(t *testing.T) {
	spec, err := graph.ParseSpec([]byte(`
project_id: demo
nodes:
  - id: sim
    type: work_simulation
`))
	require.NoError(t, err)

	agentID, caps := planCapabilities(spec)
	assert.Empty(t, agentID)
	assert.Empty(t, caps)
}

func TestRejectionSummary(t *testing.T) {
	assert.Equal(t, "no candidate tools", rejectionSummary(nil))

	rejected := []router.Rejection{
		{ToolID: "firecrawl", Capability: "web.crawl", Reason: "requires consent"},
		{ToolID: "stripe", Capability: "payments.test", Reason: "not allowlisted"},
	}
	out := rejectionSummary(rejected)
	assert.Contains(t, out, "firecrawl for web.crawl: requires consent")
	assert.Contains(t, out, "stripe for payments.test: not allowlisted")

	many := make([]router.Rejection, 5)
	for i := range many {
		many[i] = router.Rejection{ToolID: fmt.Sprintf("tool-%d", i), Capability: "x", Reason: "no"}
	}
	assert.Contains(t, rejectionSummary(many), "and 2 more")
}

func TestResolvePolicyDir(t *testing.T) {
	t.Setenv("POLICY_DIR", "")
	assert.Equal(t, filepath.Join("/proj", "mcp"), resolvePolicyDir("", "/proj"))
	assert.Equal(t, "/explicit", resolvePolicyDir("/explicit", "/proj"))

	t.Setenv("POLICY_DIR", "/from-env")
	assert.Equal(t, "/from-env", resolvePolicyDir("", "/proj"))
	assert.Equal(t, "/explicit", resolvePolicyDir("/explicit", "/proj"))
}

func TestExecEnv(t *testing.T) {
	t.Setenv("SWARM_TEST_SENTINEL", "present")

	cfg := &config.Engine{
		StagingURL: "http://stage.local:3000",
		TestMode:   true,
		NodeEnv:    "development",
	}
	env := execEnv(cfg)

	assert.Equal(t, "present", env["SWARM_TEST_SENTINEL"])
	assert.Equal(t, "http://stage.local:3000", env["STAGING_URL"])
	assert.Equal(t, "true", env["TEST_MODE"])
	assert.Equal(t, "development", env["NODE_ENV"])
	assert.NotContains(t, env, "SAFETY_ALLOW_PROD")
}

func TestRunFailureMapsFirstFailedNode(t *testing.T) {
	spec, err := graph.ParseSpec([]byte(`
project_id: demo
nodes:
  - id: server
    type: server
  - id: browser
    type: browser-test
    requires: [server]
  - id: gate
    type: cvf-gate
    requires: [browser]
`))
	require.NoError(t, err)

	st := &graph.RunState{Nodes: map[string]*graph.NodeState{
		"server":  {Status: graph.StatusSucceeded},
		"browser": {Status: graph.StatusFailed, Error: "3 scenarios failed"},
		"gate":    {Status: graph.StatusFailed, Error: "missing artifacts"},
	}}

	code, detail := runFailure(spec, st)
	assert.Equal(t, exitcode.BrowserTestsFailed, code)
	assert.Contains(t, detail, "browser (browser-test): 3 scenarios failed")
	assert.Contains(t, detail, "gate (cvf-gate): missing artifacts")
}

func TestRunFailureWithoutFailedNodes(t *testing.T) {
	spec, err := graph.ParseSpec([]byte(`
project_id: demo
nodes:
  - id: sim
    type: work_simulation
`))
	require.NoError(t, err)

	st := &graph.RunState{Nodes: map[string]*graph.NodeState{
		"sim": {Status: graph.StatusCancelled},
	}}
	code, detail := runFailure(spec, st)
	assert.Equal(t, exitcode.GenericFailure, code)
	assert.Equal(t, "no node failed but the run did not succeed", detail)
}

func TestNodeExitCode(t *testing.T) {
	cases := map[string]int{
		"browser-test":    exitcode.BrowserTestsFailed,
		"visual-capture":  exitcode.BrowserTestsFailed,
		"perf-audit":      exitcode.PerfAuditFailed,
		"cvf-gate":        exitcode.CvfGateFailed,
		"visual-compare":  exitcode.VisualRegression,
		"data.ingest":     exitcode.CvfDataFailed,
		"data.insights":   exitcode.CvfDataFailed,
		"chart.render":    exitcode.CvfChartsFailed,
		"seo.audit":       exitcode.CvfSeoFailed,
		"audio.tts":       exitcode.CvfMediaFailed,
		"video.compose":   exitcode.CvfMediaFailed,
		"db.migration":    exitcode.CvfDbFailed,
		"subagent":        exitcode.AgentOutputFailed,
		"server":          exitcode.GenericFailure,
		"work_simulation": exitcode.GenericFailure,
	}
	for nodeType, want := range cases {
		assert.Equal(t, want, nodeExitCode(nodeType), "type %s", nodeType)
	}
}

func TestCmdValidate(t *testing.T) {
	a := &app{started: time.Now()}

	err := a.cmdValidate(nil)
	assert.Equal(t, exitcode.Usage, exitCodeOf(t, err))

	err = a.cmdValidate([]string{"--bogus"})
	assert.Equal(t, exitcode.Usage, exitCodeOf(t, err))

	err = a.cmdValidate([]string{filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Equal(t, exitcode.GenericFailure, exitCodeOf(t, err))

	path := writeGraphFile(t, t.TempDir())
	assert.NoError(t, a.cmdValidate([]string{path}))
}

func writeGraphFile(t *testing.T, dir string) string {
	t.Helper()
	raw := []byte(`
project_id: demo
auv_id: AUV-0003
concurrency: 2
nodes:
  - id: warm
    type: work_simulation
    params:
      duration_ms: 5
  - id: final
    type: work_simulation
    requires: [warm]
    params:
      duration_ms: 5
`)
	path := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestCmdRunGraphUsage(t *testing.T) {
	a := &app{started: time.Now()}

	err := a.cmdRunGraph(context.Background(), nil)
	assert.Equal(t, exitcode.Usage, exitCodeOf(t, err))

	err = a.cmdRunGraph(context.Background(), []string{"--tenant", "acme"})
	assert.Equal(t, exitcode.Usage, exitCodeOf(t, err))

	err = a.cmdRunGraph(context.Background(), []string{"g.yaml", "--run-id", "RUN-A", "--resume", "RUN-B"})
	assert.Equal(t, exitcode.Usage, exitCodeOf(t, err))
}

// runEnv pins the configuration env vars an in-process run reads, so
// host settings never leak into the test.
func runEnv(t *testing.T, tmp string) {
	t.Helper()
	t.Setenv("PROJECT_ROOT", tmp)
	t.Setenv("TENANT_ID", "default")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:6379/0")
	t.Setenv("POLICY_DIR", "")
}

func TestCmdRunGraphExecutesToCompletion(t *testing.T) {
	tmp := t.TempDir()
	writeGraphFile(t, tmp)
	runEnv(t, tmp)

	a := &app{started: time.Now()}
	err := a.cmdRunGraph(context.Background(), []string{"sim.yaml", "--run-id", "RUN-2026-01-01-cafe"})
	require.NoError(t, err)
	assert.Equal(t, "RUN-2026-01-01-cafe", a.runID)
	assert.Equal(t, "AUV-0003", a.auvID)

	st, err := graph.LoadState(tenant.Root(tmp, "default"), "RUN-2026-01-01-cafe")
	require.NoError(t, err)
	assert.True(t, st.AllSucceeded())
	assert.Len(t, st.Completed, 2)
}

func TestCmdRunGraphResume(t *testing.T) {
	tmp := t.TempDir()
	writeGraphFile(t, tmp)
	runEnv(t, tmp)

	a := &app{started: time.Now()}
	require.NoError(t, a.cmdRunGraph(context.Background(),
		[]string{"sim.yaml", "--run-id", "RUN-2026-01-01-beef"}))

	// Resuming a completed run is a no-op that still succeeds.
	b := &app{started: time.Now()}
	require.NoError(t, b.cmdRunGraph(context.Background(),
		[]string{"sim.yaml", "--resume", "RUN-2026-01-01-beef"}))
	assert.Equal(t, "RUN-2026-01-01-beef", b.runID)
}

func TestCmdRunGraphResumeMissingState(t *testing.T) {
	tmp := t.TempDir()
	writeGraphFile(t, tmp)
	runEnv(t, tmp)

	a := &app{started: time.Now()}
	err := a.cmdRunGraph(context.Background(),
		[]string{"sim.yaml", "--resume", "RUN-2026-01-01-dead"})
	require.Error(t, err)
	assert.Equal(t, exitcode.ResumeStateMissing, exitCodeOf(t, err))
	assert.True(t, errors.Is(err, graph.ErrStateNotFound))
}
