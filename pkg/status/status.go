// Package status assembles the tenant dashboard snapshot: queue counts,
// recent run outcomes, hook event tallies, and backup inventory. Snapshots
// are validated against the embedded status schema before a single byte is
// written, so dashboards never ingest a malformed document.
package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/queue"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// Collection limits. Dashboards poll frequently; the snapshot stays small
// enough to regenerate on every request.
const (
	maxRuns      = 20
	maxBackups   = 10
	eventTailLen = 500
)

// Snapshot is the dashboard document. Field names match the embedded
// status schema exactly.
type Snapshot struct {
	GeneratedAt int64          `json:"generated_at"`
	Tenant      string         `json:"tenant"`
	Queue       Queue          `json:"queue"`
	Runs        []Run          `json:"runs,omitempty"`
	Events      map[string]int `json:"events,omitempty"`
	Backups     []Backup       `json:"backups,omitempty"`
}

// Queue is the snapshot's queue section.
type Queue struct {
	Namespace       string           `json:"namespace,omitempty"`
	Paused          bool             `json:"paused"`
	Counts          map[string]int64 `json:"counts"`
	OldestPendingMS int64            `json:"oldest_pending_ms,omitempty"`
}

// Run summarizes one persisted graph run.
type Run struct {
	RunID     string `json:"run_id"`
	AUVID     string `json:"auv_id,omitempty"`
	Success   bool   `json:"success"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// Backup summarizes one local archive.
type Backup struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	FileCount int    `json:"file_count,omitempty"`
	Size      int64  `json:"size,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Build assembles a snapshot from the tenant's on-disk trees plus queue
// metrics. metrics may be nil when the broker is unreachable; the queue
// section then carries empty counts so the document still validates.
func Build(projectRoot, tenantName, namespace string, metrics *queue.QueueMetrics, now time.Time) *Snapshot {
	tenantName = tenant.Normalize(tenantName)
	root := tenant.Root(projectRoot, tenantName)
	return &Snapshot{
		GeneratedAt: now.UnixMilli(),
		Tenant:      tenantName,
		Queue:       QueueBlock(namespace, metrics),
		Runs:        RecentRuns(root, maxRuns),
		Events:      EventCounts(root, eventTailLen),
		Backups:     RecentBackups(projectRoot, tenantName, maxBackups),
	}
}

// QueueBlock converts broker metrics into the snapshot's queue section.
func QueueBlock(namespace string, m *queue.QueueMetrics) Queue {
	q := Queue{Namespace: namespace, Counts: map[string]int64{}}
	if m == nil {
		return q
	}
	for state, n := range m.Counts {
		q.Counts[string(state)] = n
	}
	q.Paused = m.Paused
	q.OldestPendingMS = m.OldestPendingAge.Milliseconds()
	return q
}

// RecentRuns summarizes the newest run states under the tenant root,
// newest first. Unreadable state files are skipped, not fatal; one corrupt
// run must not blank the whole dashboard.
func RecentRuns(tenantRoot string, limit int) []Run {
	entries, err := os.ReadDir(filepath.Join(tenantRoot, "graph"))
	if err != nil {
		return nil
	}
	var runs []Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := graph.LoadState(tenantRoot, e.Name())
		if err != nil {
			slog.Warn("Skipping unreadable run state", "run_id", e.Name(), "error", err)
			continue
		}
		runs = append(runs, Run{
			RunID:     st.RunID,
			AUVID:     st.AUVID,
			Success:   st.AllSucceeded(),
			Completed: len(st.Completed),
			Failed:    len(st.Failed),
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt > runs[j].UpdatedAt })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// EventCounts tallies the tail of the tenant's hook log by event name.
func EventCounts(tenantRoot string, tail int) map[string]int {
	events, err := observability.NewSink(tenantRoot).Tail(tail)
	if err != nil || len(events) == 0 {
		return nil
	}
	counts := make(map[string]int, 8)
	for _, ev := range events {
		counts[ev.Event]++
	}
	return counts
}

// RecentBackups lists the tenant's newest local archives, newest first.
func RecentBackups(projectRoot, tenantName string, limit int) []Backup {
	dir := filepath.Join(projectRoot, "backups", tenant.Normalize(tenantName))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "backup-") || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Backup{
			ID:        strings.TrimSuffix(name, ".tar.gz"),
			Path:      filepath.Join(dir, name),
			Size:      info.Size(),
			CreatedAt: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt > backups[j].CreatedAt })
	if limit > 0 && len(backups) > limit {
		backups = backups[:limit]
	}
	return backups
}

// Emit validates the snapshot against the status schema and writes the
// JSON document to w. Nothing reaches w when validation fails.
func Emit(w io.Writer, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status snapshot: %w", err)
	}
	data = append(data, '\n')
	if err := schema.ValidateJSON(schema.Status, data); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing status snapshot: %w", err)
	}
	return nil
}

// WriteFile emits the snapshot to <tenant-root>/reports/status.json via a
// temp sibling and rename, and returns the final path.
func WriteFile(tenantRoot string, s *Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := Emit(&buf, s); err != nil {
		return "", err
	}
	dir := filepath.Join(tenantRoot, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports dir: %w", err)
	}
	path := filepath.Join(dir, "status.json")
	tmp, err := os.CreateTemp(dir, "status-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp status file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp status file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("replacing status file: %w", err)
	}
	return path, nil
}
