package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// resultCard is the JSON record written under the tenant's reports tree
// when a command fails, so operators can diagnose runs after the process
// is gone.
type resultCard struct {
	TS         int64  `json:"ts"`
	Version    string `json:"version"`
	Command    string `json:"command"`
	Tenant     string `json:"tenant"`
	RunID      string `json:"run_id,omitempty"`
	AUVID      string `json:"auv_id,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

func writeResultCard(tenantRoot string, card *resultCard) (string, error) {
	dir := filepath.Join(tenantRoot, "reports", "result-cards")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating result card directory: %w", err)
	}
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result card: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s.json", card.TS, card.Command))
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("writing result card: %w", err)
	}
	return path, nil
}
