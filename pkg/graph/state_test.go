package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *RunState {
	t.Helper()
	spec, err := ParseSpec([]byte(validGraphYAML))
	require.NoError(t, err)
	return NewRunState("RUN-2026-08-25-ab12", "graphs/demo.yaml", spec, "default", time.UnixMilli(1_756_000_000_000))
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^RUN-2026-08-25-[0-9a-f]{4}$`), id)
	assert.NotEqual(t, id, NewRunID(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)))
}

func TestRunStateTransitions(t *testing.T) {
	now := time.UnixMilli(1_756_000_100_000)
	state := newTestState(t)

	assert.Equal(t, StatusPending, state.Status("server"))
	assert.True(t, state.MarkReady("server", now))
	assert.True(t, state.MarkRunning("server", now))
	assert.Equal(t, 1, state.Nodes["server"].Attempts)
	assert.True(t, state.MarkSucceeded("server", nil, now))
	assert.Equal(t, []string{"server"}, state.Completed)

	// Terminal states are frozen.
	assert.False(t, state.MarkRunning("server", now))
	assert.False(t, state.MarkFailed("server", "late", now))
	assert.Equal(t, StatusSucceeded, state.Status("server"))

	assert.True(t, state.MarkRunning("api", now))
	assert.True(t, state.MarkFailed("api", "boom", now))
	assert.Equal(t, []string{"api"}, state.Failed)
	assert.Equal(t, "boom", state.Nodes["api"].Error)

	assert.True(t, state.MarkSkipped("ui", "dependency api failed", now))
	assert.True(t, state.AllTerminal())
	assert.False(t, state.AllSucceeded())
}

func TestRunStateCompletedStaysSorted(t *testing.T) {
	now := time.Now()
	state := newTestState(t)
	state.MarkSucceeded("ui", nil, now)
	state.MarkSucceeded("api", nil, now)
	state.MarkSucceeded("server", nil, now)
	assert.Equal(t, []string{"api", "server", "ui"}, state.Completed)

	// Idempotent on repeated insert.
	state.Completed = insertSorted(state.Completed, "api")
	assert.Equal(t, []string{"api", "server", "ui"}, state.Completed)
}

func TestRunStateSaveLoadSaveBytesEqual(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(1_756_000_200_000)
	state := newTestState(t)
	state.MarkRunning("server", now)
	state.MarkSucceeded("server", json.RawMessage(`{"port":3000,"pid":42}`), now)

	require.NoError(t, state.Save(dir))
	first, err := os.ReadFile(StatePath(dir, state.RunID))
	require.NoError(t, err)

	loaded, err := LoadState(dir, state.RunID)
	require.NoError(t, err)
	require.NoError(t, loaded.Save(dir))
	second, err := os.ReadFile(StatePath(dir, state.RunID))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestLoadStateMissing(t *testing.T) {
	_, err := LoadState(t.TempDir(), "RUN-2026-08-25-dead")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestLoadStateRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := StatePath(dir, "RUN-2026-08-25-bad1")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"RUN-2026-08-25-bad1"}`), 0o644))

	_, err := LoadState(dir, "RUN-2026-08-25-bad1")
	require.Error(t, err, "graph_file and timestamps are required")
}

func TestResetRunningToReady(t *testing.T) {
	now := time.Now()
	state := newTestState(t)
	state.MarkRunning("server", now)
	state.MarkRunning("api", now)
	state.MarkSucceeded("api", nil, now)

	reset := state.ResetRunningToReady(now)
	assert.Equal(t, []string{"server"}, reset)
	assert.Equal(t, StatusReady, state.Status("server"))
	assert.Equal(t, StatusSucceeded, state.Status("api"))
	// Attempts survive the reset so retry ceilings still apply.
	assert.Equal(t, 1, state.Nodes["server"].Attempts)
}
