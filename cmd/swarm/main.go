// Command swarm is the Swarm1 orchestrator CLI — it executes dependency
// graphs directly, operates the durable job queue, and produces
// tenant-scoped status snapshots and backup archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/version"
)

// auvPattern matches AUV identifiers usable as a command shortcut,
// e.g. `swarm AUV-0101`.
var auvPattern = regexp.MustCompile(`^AUV-\d{3,4}$`)

const usageText = `swarm %s — durable graph orchestrator

Usage:
  swarm <AUV-ID> [flags]                 run the built-in delivery graph for one AUV
  swarm run-graph <graph.yaml> [flags]   execute a graph spec in this process
  swarm validate <graph.yaml>            parse and validate a graph spec
  swarm engine <subcommand> [flags]      operate the durable queue

Engine subcommands:
  start        run a queue worker pool until interrupted
  enqueue      submit a graph run to the queue
  status       queue counts, or one job with --job
  list         list jobs by state
  metrics      queue metrics as JSON
  monitor      stream queue events
  pause        suspend job claiming
  resume       lift a pause
  cancel       cancel a job with --job
  emit-status  write the tenant status snapshot for dashboards
  backup       archive tenant runs/dist trees

Environment:
  REDIS_URL, TENANT_ID, PROJECT_ROOT, ENGINE_CONCURRENCY, ENGINE_NAMESPACE,
  STAGING_URL, API_BASE, TEST_MODE, AUTH_REQUIRED, AUTH_TOKEN,
  BACKUP_S3_BUCKET, BACKUP_RETENTION_DAYS (full list in pkg/config)
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run dispatches one CLI invocation and returns its exit code. Every
// command failure funnels through app.exit so the one-line component
// error and the result card are produced in exactly one place.
func run(ctx context.Context, args []string) int {
	loadDotEnv()

	if len(args) == 0 {
		printUsage(os.Stderr)
		return exitcode.Usage
	}

	a := &app{started: time.Now()}

	var err error
	switch cmd := args[0]; {
	case cmd == "run-graph":
		err = a.cmdRunGraph(ctx, args[1:])
	case auvPattern.MatchString(cmd):
		err = a.cmdRunAUV(ctx, cmd, args[1:])
	case cmd == "validate":
		err = a.cmdValidate(args[1:])
	case cmd == "engine":
		err = a.cmdEngine(ctx, args[1:])
	case cmd == "help", cmd == "-h", cmd == "--help":
		printUsage(os.Stdout)
		return exitcode.OK
	default:
		fmt.Fprintf(os.Stderr, "[swarm] unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return exitcode.Usage
	}
	return a.exit(err)
}

// loadDotEnv loads ./.env when present. Absence is the normal case for a
// CLI, so only a present-but-unreadable file is worth a warning.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, version.Full())
}

// app carries what a failing command leaves behind for the exit handler:
// where the result card goes and which run it describes.
type app struct {
	projectRoot string
	tenant      string
	command     string
	runID       string
	auvID       string
	started     time.Time
}

// bind records the command identity once configuration is resolved. Until
// bind runs, failures are treated as pure usage mistakes and leave no
// artifacts behind.
func (a *app) bind(cfg *config.Engine, command, tenantName string) {
	a.projectRoot = cfg.ProjectRoot
	a.command = command
	a.tenant = tenantName
}

// exit maps a command error to its typed exit code, prints the one-line
// component-prefixed failure, and persists a result card for post-mortem.
func (a *app) exit(err error) int {
	if err == nil {
		return exitcode.OK
	}
	var typed *exitcode.Error
	if !errors.As(err, &typed) {
		typed = exitcode.New(exitcode.GenericFailure, "swarm", err)
	}
	fmt.Fprintln(os.Stderr, typed.Error())

	if a.tenant != "" && typed.Code != exitcode.Usage {
		card := &resultCard{
			TS:         time.Now().UnixMilli(),
			Version:    version.Full(),
			Command:    a.command,
			Tenant:     a.tenant,
			RunID:      a.runID,
			AUVID:      a.auvID,
			ExitCode:   typed.Code,
			Error:      typed.Error(),
			DurationMS: time.Since(a.started).Milliseconds(),
		}
		if path, werr := writeResultCard(tenant.Root(a.projectRoot, a.tenant), card); werr != nil {
			slog.Warn("Failed to write result card", "error", werr)
		} else {
			slog.Info("Result card written", "path", path)
		}
	}
	return typed.Code
}

// resolveConfig loads the engine configuration, resolves the effective
// tenant (flag over environment), and binds the result card context.
func (a *app) resolveConfig(command, component, tenantFlag string) (*config.Engine, string, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, "", exitcode.New(exitcode.GenericFailure, "config", err)
	}
	name := tenant.Normalize(firstNonEmpty(tenantFlag, cfg.Tenant))
	if err := tenant.Validate(name); err != nil {
		return nil, "", exitcode.New(exitcode.Usage, component, err)
	}
	a.bind(cfg, command, name)
	return cfg, name, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
