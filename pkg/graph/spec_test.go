package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validGraphYAML = `project_id: demo
auv_id: AUV-0101
defaults:
  retries: 2
  timeout_ms: 5000
concurrency: 3
nodes:
  - id: server
    type: server
    resources: [server]
  - id: api
    type: api-test
    requires: [server]
    params:
      base: http://127.0.0.1:3000
  - id: ui
    type: browser-test
    requires: [server]
    retries: 0
    timeout_ms: 9000
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(validGraphYAML))
	require.NoError(t, err)

	assert.Equal(t, "demo", spec.ProjectID)
	assert.Equal(t, "AUV-0101", spec.AUVID)
	assert.Len(t, spec.Nodes, 3)
	assert.NotEmpty(t, spec.Checksum)

	api, ok := spec.Node("api")
	require.True(t, ok)
	assert.Equal(t, []string{"server"}, api.Requires)
	assert.Equal(t, "http://127.0.0.1:3000", api.Params["base"])

	_, ok = spec.Node("missing")
	assert.False(t, ok)
}

func TestParseSpecEffectiveSettings(t *testing.T) {
	spec, err := ParseSpec([]byte(validGraphYAML))
	require.NoError(t, err)

	api, _ := spec.Node("api")
	ui, _ := spec.Node("ui")

	assert.Equal(t, 2, spec.EffectiveRetries(api))
	assert.Equal(t, 0, spec.EffectiveRetries(ui))
	assert.Equal(t, 5000, spec.EffectiveTimeoutMS(api))
	assert.Equal(t, 9000, spec.EffectiveTimeoutMS(ui))

	assert.Equal(t, 3, spec.EffectiveConcurrency(0))
	assert.Equal(t, 5, spec.EffectiveConcurrency(5))
	assert.Equal(t, MaxConcurrency, spec.EffectiveConcurrency(500))
}

func TestParseSpecDefaultsApplied(t *testing.T) {
	spec, err := ParseSpec([]byte(`project_id: demo
nodes:
  - id: a
    type: work_simulation
`))
	require.NoError(t, err)
	assert.Equal(t, 1, spec.Defaults.Retries)
	assert.Equal(t, 30_000, spec.Defaults.TimeoutMS)
	assert.Equal(t, DefaultConcurrency, spec.EffectiveConcurrency(0))
}

func TestParseSpecDuplicateNode(t *testing.T) {
	_, err := ParseSpec([]byte(`project_id: demo
nodes:
  - id: a
    type: work_simulation
  - id: a
    type: work_simulation
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestParseSpecUnknownDependency(t *testing.T) {
	_, err := ParseSpec([]byte(`project_id: demo
nodes:
  - id: a
    type: work_simulation
    requires: [ghost]
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.Contains(t, err.Error(), "ghost")
}

func TestParseSpecSelfCycle(t *testing.T) {
	_, err := ParseSpec([]byte(`project_id: demo
nodes:
  - id: a
    type: work_simulation
    requires: [a]
`))
	require.Error(t, err)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"a", "a"}, cerr.Path)
	assert.Contains(t, cerr.Error(), "CYCLE_DETECTED")
}

func TestParseSpecCyclePath(t *testing.T) {
	_, err := ParseSpec([]byte(`project_id: demo
nodes:
  - id: a
    type: work_simulation
    requires: [c]
  - id: b
    type: work_simulation
    requires: [a]
  - id: c
    type: work_simulation
    requires: [b]
`))
	require.Error(t, err)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	// The path closes the loop: first and last entries match.
	require.GreaterOrEqual(t, len(cerr.Path), 4)
	assert.Equal(t, cerr.Path[0], cerr.Path[len(cerr.Path)-1])
	assert.Contains(t, cerr.Error(), " -> ")
}

func TestParseSpecSchemaRejected(t *testing.T) {
	_, err := ParseSpec([]byte(`nodes:
  - id: a
    type: work_simulation
`))
	require.Error(t, err, "project_id is required")
}

func TestLoadSpecFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validGraphYAML), 0o644))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", spec.ProjectID)

	_, err = LoadSpec(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadSpecExpandsEnvReferences(t *testing.T) {
	t.Setenv("STAGING_URL", "http://127.0.0.1:4500")

	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`project_id: demo
nodes:
  - id: api
    type: api-test
    params:
      base: {{.STAGING_URL}}/api
`), 0o644))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	node, ok := spec.Node("api")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:4500/api", node.Params["base"])

	// The checksum follows the expanded bytes, so a different environment
	// yields a different effective graph.
	t.Setenv("STAGING_URL", "http://127.0.0.1:9999")
	respec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.NotEqual(t, spec.Checksum, respec.Checksum)
}

func TestDependents(t *testing.T) {
	spec, err := ParseSpec([]byte(validGraphYAML))
	require.NoError(t, err)

	rev := spec.Dependents()
	assert.ElementsMatch(t, []string{"api", "ui"}, rev["server"])
	assert.Empty(t, rev["api"])
}
