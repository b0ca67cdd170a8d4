package graph

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// NodeStatus is the lifecycle state of a single node within a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusCancelled NodeStatus = "cancelled"
	StatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status can never change again.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// NodeState is the persisted record for one node. Timestamps are epoch
// milliseconds so the marshaled form is stable across hosts and zones.
type NodeState struct {
	Status     NodeStatus      `json:"status"`
	Attempts   int             `json:"attempts,omitempty"`
	StartedAt  int64           `json:"started_at,omitempty"`
	FinishedAt int64           `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// RunState is the durable state of one graph run. Saving and reloading
// it yields byte-identical JSON: map keys marshal sorted and the
// Completed/Failed sets are kept in sorted order.
type RunState struct {
	RunID         string                `json:"run_id"`
	GraphFile     string                `json:"graph_file"`
	GraphChecksum string                `json:"graph_checksum,omitempty"`
	Tenant        string                `json:"tenant,omitempty"`
	AUVID         string                `json:"auv_id,omitempty"`
	Concurrency   int                   `json:"concurrency,omitempty"`
	Nodes         map[string]*NodeState `json:"nodes"`
	Completed     []string              `json:"completed"`
	Failed        []string              `json:"failed"`
	CreatedAt     int64                 `json:"created_at"`
	UpdatedAt     int64                 `json:"updated_at"`
}

// NewRunID mints a run identifier of the form RUN-YYYY-MM-DD-<4hex>.
func NewRunID(now time.Time) string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return fmt.Sprintf("RUN-%s-%s", now.UTC().Format("2006-01-02"), hex.EncodeToString(b[:]))
}

// NewRunState initializes state for a fresh run with every node pending.
func NewRunState(runID, graphFile string, spec *Spec, tenant string, now time.Time) *RunState {
	nodes := make(map[string]*NodeState, len(spec.Nodes))
	for i := range spec.Nodes {
		nodes[spec.Nodes[i].ID] = &NodeState{Status: StatusPending}
	}
	ms := now.UnixMilli()
	return &RunState{
		RunID:         runID,
		GraphFile:     graphFile,
		GraphChecksum: spec.Checksum,
		Tenant:        tenant,
		AUVID:         spec.AUVID,
		Concurrency:   spec.Concurrency,
		Nodes:         nodes,
		Completed:     []string{},
		Failed:        []string{},
		CreatedAt:     ms,
		UpdatedAt:     ms,
	}
}

// StatePath returns the canonical state file location for a run under a
// tenant root.
func StatePath(tenantRoot, runID string) string {
	return filepath.Join(tenantRoot, "graph", runID, "state.json")
}

// Save writes the state atomically: marshal to a temp sibling, then
// rename over the destination so readers never observe a torn file.
func (s *RunState) Save(tenantRoot string) error {
	path := StatePath(tenantRoot, s.RunID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Marshal renders the canonical JSON form.
func (s *RunState) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling run state: %w", err)
	}
	return append(data, '\n'), nil
}

// LoadState reads and validates persisted run state.
func LoadState(tenantRoot, runID string) (*RunState, error) {
	path := StatePath(tenantRoot, runID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, runID)
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	if err := schema.ValidateJSON(schema.RunState, raw); err != nil {
		return nil, err
	}
	var state RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parsing run state: %w", err)
	}
	if state.Nodes == nil {
		state.Nodes = map[string]*NodeState{}
	}
	if state.Completed == nil {
		state.Completed = []string{}
	}
	if state.Failed == nil {
		state.Failed = []string{}
	}
	return &state, nil
}

// node returns the state record for id, creating a pending record if the
// graph gained a node since the state was written.
func (s *RunState) node(id string) *NodeState {
	ns, ok := s.Nodes[id]
	if !ok {
		ns = &NodeState{Status: StatusPending}
		s.Nodes[id] = ns
	}
	return ns
}

// Status returns the current status for a node id.
func (s *RunState) Status(id string) NodeStatus {
	if ns, ok := s.Nodes[id]; ok {
		return ns.Status
	}
	return StatusPending
}

// transition moves a node to a new status, refusing to leave a terminal
// one. It returns whether the transition applied.
func (s *RunState) transition(id string, to NodeStatus, now time.Time) bool {
	ns := s.node(id)
	if ns.Status.Terminal() {
		return false
	}
	ns.Status = to
	s.UpdatedAt = now.UnixMilli()
	return true
}

// MarkReady flags a node as eligible for dispatch.
func (s *RunState) MarkReady(id string, now time.Time) bool {
	return s.transition(id, StatusReady, now)
}

// MarkRunning records a dispatch, bumping the attempt counter.
func (s *RunState) MarkRunning(id string, now time.Time) bool {
	if !s.transition(id, StatusRunning, now) {
		return false
	}
	ns := s.node(id)
	ns.Attempts++
	ns.StartedAt = now.UnixMilli()
	ns.Error = ""
	return true
}

// MarkSucceeded finalizes a node and adds it to the completed set.
func (s *RunState) MarkSucceeded(id string, checkpoint json.RawMessage, now time.Time) bool {
	if !s.transition(id, StatusSucceeded, now) {
		return false
	}
	ns := s.node(id)
	ns.FinishedAt = now.UnixMilli()
	ns.Error = ""
	if len(checkpoint) > 0 {
		ns.Checkpoint = checkpoint
	}
	s.Completed = insertSorted(s.Completed, id)
	return true
}

// MarkFailed finalizes a node as failed and adds it to the failed set.
func (s *RunState) MarkFailed(id, errMsg string, now time.Time) bool {
	if !s.transition(id, StatusFailed, now) {
		return false
	}
	ns := s.node(id)
	ns.FinishedAt = now.UnixMilli()
	ns.Error = errMsg
	s.Failed = insertSorted(s.Failed, id)
	return true
}

// MarkCancelled finalizes a node interrupted by run cancellation.
func (s *RunState) MarkCancelled(id string, now time.Time) bool {
	if !s.transition(id, StatusCancelled, now) {
		return false
	}
	ns := s.node(id)
	ns.FinishedAt = now.UnixMilli()
	return true
}

// MarkSkipped finalizes a node whose dependencies can never succeed.
func (s *RunState) MarkSkipped(id, reason string, now time.Time) bool {
	if !s.transition(id, StatusSkipped, now) {
		return false
	}
	ns := s.node(id)
	ns.FinishedAt = now.UnixMilli()
	ns.Error = reason
	return true
}

// ResetRunningToReady downgrades nodes that were mid-flight when the
// previous process died, so a resume re-dispatches them. It returns the
// ids that were reset.
func (s *RunState) ResetRunningToReady(now time.Time) []string {
	var reset []string
	for id, ns := range s.Nodes {
		if ns.Status == StatusRunning {
			ns.Status = StatusReady
			ns.StartedAt = 0
			reset = append(reset, id)
		}
	}
	if len(reset) > 0 {
		sort.Strings(reset)
		s.UpdatedAt = now.UnixMilli()
	}
	return reset
}

// AllTerminal reports whether every node has reached a terminal status.
func (s *RunState) AllTerminal() bool {
	for _, ns := range s.Nodes {
		if !ns.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllSucceeded reports whether every node finished successfully.
func (s *RunState) AllSucceeded() bool {
	for _, ns := range s.Nodes {
		if ns.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	if i < len(list) && list[i] == id {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}
