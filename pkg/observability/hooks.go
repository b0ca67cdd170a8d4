// Package observability provides the append-only run event log and the
// per-session spend ledger. Both are JSONL files under the tenant root:
// one JSON object per line, written with a single O_APPEND write so that
// concurrent workers interleave only at line boundaries. This is the run
// log consumed by dashboards and post-mortems, distinct from process
// logging (slog).
package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Well-known event names. Names are verb phrases in past tense; payload
// shape is event-specific.
const (
	EventJobEnqueued   = "job.enqueued"
	EventJobStarted    = "job.started"
	EventJobCompleted  = "job.completed"
	EventJobFailed     = "job.failed"
	EventJobCancelled  = "job.cancelled"
	EventJobRetried    = "job.retried"
	EventJobStalled    = "job.stalled"
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunFailed     = "run.failed"
	EventRunResumed    = "run.resumed"
	EventNodeReady     = "node.ready"
	EventNodeStarted   = "node.started"
	EventNodeSucceeded = "node.succeeded"
	EventNodeFailed    = "node.failed"
	EventNodeRetried   = "node.retried"
	EventNodeCancelled = "node.cancelled"
	EventNodeSkipped   = "node.skipped"
	EventNodeTimedOut  = "node.timed_out"
	EventGatePassed    = "gate.passed"
	EventGateFailed    = "gate.failed"
	EventRouterPlanned = "router.planned"
	EventPolicyDenied  = "policy.denied"
	EventBackupCreated = "backup.created"
)

// Event is one hooks.jsonl record. Correlation ids are optional and omitted
// when empty so lines stay compact.
type Event struct {
	TS      int64          `json:"ts"`
	Event   string         `json:"event"`
	Agent   string         `json:"agent,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	AUV     string         `json:"auv,omitempty"`
	Tenant  string         `json:"tenant,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink appends events to <tenant-root>/observability/hooks.jsonl. The zero
// value is unusable; construct with NewSink. Safe for concurrent use: each
// append is a single write to a file opened with O_APPEND.
type Sink struct {
	root string
	now  func() time.Time
}

// NewSink returns a sink rooted at the tenant's run directory.
func NewSink(tenantRoot string) *Sink {
	return &Sink{root: tenantRoot, now: time.Now}
}

func (s *Sink) path() string {
	return filepath.Join(s.root, "observability", "hooks.jsonl")
}

// Append writes one event line. A zero TS is stamped with the current time
// in epoch milliseconds.
func (s *Sink) Append(ev Event) error {
	if ev.TS == 0 {
		ev.TS = s.now().UnixMilli()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path()), 0o755); err != nil {
		return fmt.Errorf("creating observability dir: %w", err)
	}
	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening hooks log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Emit is Append with the common fields spelled out at the call site.
func (s *Sink) Emit(event string, ids Event, payload map[string]any) error {
	ids.Event = event
	ids.Payload = payload
	return s.Append(ids)
}

// Tail returns the last n events in file order. A missing log yields an
// empty slice. Unparseable lines are skipped; a torn final line from a
// crashed writer must not poison readers.
func (s *Sink) Tail(n int) ([]Event, error) {
	f, err := os.Open(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening hooks log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading hooks log: %w", err)
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// CountersSnapshot tallies events by name across the whole log.
func (s *Sink) CountersSnapshot() (map[string]int, error) {
	events, err := s.Tail(0)
	if err != nil {
		return nil, err
	}
	counters := make(map[string]int, 16)
	for _, ev := range events {
		counters[ev.Event]++
	}
	return counters, nil
}
