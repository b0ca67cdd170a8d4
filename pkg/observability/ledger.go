package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LedgerEntry records one estimated tool spend within a session. Entries
// are append-only; the session total is always recomputed from the file.
type LedgerEntry struct {
	TS           int64    `json:"ts"`
	SessionID    string   `json:"session_id"`
	ToolID       string   `json:"tool_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	CostUSD      float64  `json:"estimated_cost_usd"`
}

// Ledger appends spend entries to
// <tenant-root>/observability/ledgers/<session>.jsonl.
type Ledger struct {
	root string
	now  func() time.Time
}

// NewLedger returns a ledger rooted at the tenant's run directory.
func NewLedger(tenantRoot string) *Ledger {
	return &Ledger{root: tenantRoot, now: time.Now}
}

func (l *Ledger) path(session string) string {
	return filepath.Join(l.root, "observability", "ledgers", session+".jsonl")
}

// Append writes one spend entry to the session's ledger file.
func (l *Ledger) Append(entry LedgerEntry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("ledger entry requires a session id")
	}
	if entry.TS == 0 {
		entry.TS = l.now().UnixMilli()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}
	path := l.path(entry.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating ledgers dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

// Entries returns all entries for a session in append order. A missing
// ledger yields an empty slice.
func (l *Ledger) Entries(session string) ([]LedgerEntry, error) {
	f, err := os.Open(l.path(session))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	var entries []LedgerEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return entries, nil
}

// TotalSpend sums the estimated cost of every entry in a session.
func (l *Ledger) TotalSpend(session string) (float64, error) {
	entries, err := l.Entries(session)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, entry := range entries {
		total += entry.CostUSD
	}
	return total, nil
}
