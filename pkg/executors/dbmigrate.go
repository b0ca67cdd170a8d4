package executors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// dbMigrationExec applies SQL migration files in simulation and writes the
// result document the db validator checks. Pointing it at a live DSN is
// refused outside TEST_MODE since no database driver ships with the
// engine.
type dbMigrationExec struct{}

func (e *dbMigrationExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	if stringParam(ec.Params, "dsn", "") != "" && ec.Env["TEST_MODE"] != "true" {
		return nil, graph.Permanentf("db.migration against a live dsn requires TEST_MODE")
	}
	engine := stringParam(ec.Params, "engine", "sqlite")
	migrationsDir := stringParam(ec.Params, "migrations_dir", "db/migrations")
	out := stringParam(ec.Params, "out", "db/migration-result.json")
	queries := intParam(ec.Params, "validation_queries", 2)

	absDir, _ := artifactPath(ec, migrationsDir)
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, graph.Permanentf("reading migrations %s: %v", migrationsDir, err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, graph.Permanentf("no .sql migrations under %s", migrationsDir)
	}

	applied, failed := 0, 0
	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(absDir, name))
		if err != nil || countStatements(string(raw)) == 0 {
			failed++
			continue
		}
		applied++
	}

	passed := queries
	if failed > 0 {
		passed = 0
	}
	result := map[string]any{
		"engine":  engine,
		"applied": applied,
		"failed":  failed,
		"validation": map[string]any{
			"queries": queries,
			"passed":  passed,
		},
	}
	doc, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateJSON(schema.DbMigration, doc); err != nil {
		return nil, graph.Permanent(err)
	}
	relPath, err := writeJSONArtifact(ec, out, result)
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"engine": engine, "applied": applied, "failed": failed},
	}, nil
}

// countStatements counts non-empty SQL statements, ignoring line comments.
func countStatements(sql string) int {
	count := 0
	for _, stmt := range strings.Split(sql, ";") {
		var kept []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			kept = append(kept, trimmed)
		}
		if len(kept) > 0 {
			count++
		}
	}
	return count
}
