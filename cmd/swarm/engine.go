package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/auth"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/backup"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/policy"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/queue"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/status"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/version"
)

// sweepInterval is how often a running engine prunes expired backup
// archives.
const sweepInterval = 6 * time.Hour

// cmdEngine dispatches the queue engine subcommands.
func (a *app) cmdEngine(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return exitcode.Newf(exitcode.Usage, "engine",
			"usage: swarm engine <start|enqueue|status|list|metrics|monitor|pause|resume|cancel|emit-status|backup> [flags]")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "start":
		return a.engineStart(ctx, rest)
	case "enqueue":
		return a.engineEnqueue(ctx, rest)
	case "status":
		return a.engineStatus(ctx, rest)
	case "list":
		return a.engineList(ctx, rest)
	case "metrics":
		return a.engineMetrics(ctx, rest)
	case "monitor":
		return a.engineMonitor(ctx, rest)
	case "pause":
		return a.enginePause(ctx, rest)
	case "resume":
		return a.engineResume(ctx, rest)
	case "cancel":
		return a.engineCancel(ctx, rest)
	case "emit-status":
		return a.engineEmitStatus(ctx, rest)
	case "backup":
		return a.engineBackup(ctx, rest)
	default:
		return exitcode.Newf(exitcode.Usage, "engine", "unknown engine subcommand %q", sub)
	}
}

// engineBroker connects to Redis and builds a broker for one command. The
// returned closer releases the connection.
func engineBroker(ctx context.Context, cfg *config.Engine, policies *policy.Policies) (*queue.Broker, func(), error) {
	client, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, exitcode.New(exitcode.BrokerUnavailable, "engine",
			fmt.Errorf("connecting to queue broker: %w", err))
	}
	broker := queue.NewBroker(queue.BrokerOptions{
		Client:      client,
		Config:      cfg.Queue,
		ProjectRoot: cfg.ProjectRoot,
		Auth:        auth.NewService(cfg.Auth),
		Policies:    policies,
	})
	closer := func() {
		if err := client.Close(); err != nil {
			slog.Warn("Error closing redis client", "error", err)
		}
	}
	return broker, closer, nil
}

// resolveHostID determines the worker host identifier used in job locks
// and worker ids. Priority: HOST_ID env > HOSTNAME env > "local".
func resolveHostID() string {
	if id := os.Getenv("HOST_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// engineStart runs the queue worker pool until a shutdown signal arrives,
// together with the optional metrics listener and the backup retention
// sweeper.
func (a *app) engineStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag := fs.String("tenant", "", "default tenant for the process")
	concurrency := fs.Int("concurrency", 0, "worker goroutines (ENGINE_CONCURRENCY when 0)")
	policyDir := fs.String("policy-dir", "", "policy bundle directory (POLICY_DIR, default mcp/)")
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}

	cfg, _, err := a.resolveConfig("engine-start", "engine", *tenantFlag)
	if err != nil {
		return err
	}
	if *concurrency > 0 {
		cfg.Queue.WorkerCount = *concurrency
	}

	hostID := resolveHostID()
	slog.Info("Starting engine",
		"version", version.Full(),
		"host_id", hostID,
		"namespace", cfg.Queue.Namespace,
		"workers", cfg.Queue.WorkerCount,
		"tenant", a.tenant)

	// 1. Policy bundle (optional): tenant ceilings applied at submission
	bundle, err := loadPolicyBundle(resolvePolicyDir(*policyDir, cfg.ProjectRoot))
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "policy", err)
	}
	var policies *policy.Policies
	if bundle != nil {
		policies = bundle.Policies
	} else {
		slog.Warn("No policy bundle found, tenant ceilings disabled")
	}

	// 2. Queue broker over Redis
	broker, closeBroker, err := engineBroker(ctx, cfg, policies)
	if err != nil {
		return err
	}
	defer closeBroker()
	slog.Info("Connected to Redis")

	// 3. Worker pool: each claimed job runs `swarm run-graph` as a child
	// process, so a crashing run can never take the pool down with it.
	pool := queue.NewWorkerPool(hostID, broker, cfg.Queue, &queue.ProcessLauncher{})
	if err := pool.Start(ctx); err != nil {
		return exitcode.New(exitcode.GenericFailure, "engine", err)
	}

	// 4. Backup retention sweeper
	var sweeper *backup.Sweeper
	if cfg.Backup.RetentionDays > 0 {
		sweeper = backup.NewSweeper(backup.New(cfg.ProjectRoot, cfg.Backup, nil), sweepInterval)
		sweeper.Start(ctx)
	}

	// 5. Metrics listener (non-blocking)
	errCh := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metricsServer(cfg.MetricsAddr, pool)
		go func() {
			slog.Info("Metrics listener started", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics listener error", "error", err)
				errCh <- err
			}
		}()
	}

	slog.Info("Engine started", "host_id", hostID, "workers", cfg.Queue.WorkerCount)

	// 6. Wait for a shutdown signal or a listener error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Listener error triggered shutdown", "error", err)
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down")
	}

	// 7. Graceful shutdown: workers finish their current jobs
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, interrupted jobs go to stalled recovery")
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	if metricsSrv != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer httpCancel()
		if err := metricsSrv.Shutdown(httpCtx); err != nil {
			slog.Error("Metrics listener shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

// metricsServer serves Prometheus metrics and the pool health probe.
func metricsServer(addr string, pool *queue.WorkerPool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := pool.Health()
		w.Header().Set("Content-Type", "application/json")
		if !health.IsHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			slog.Warn("Failed to encode health response", "error", err)
		}
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// engineEnqueue submits a graph run to the durable queue.
func (a *app) engineEnqueue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag := fs.String("tenant", "", "tenant the job runs under")
	priority := fs.Int("priority", 0, "higher priority is claimed first")
	authToken := fs.String("auth-token", "", "bearer token for submission (AUTH_TOKEN)")
	auvID := fs.String("auv", "", "AUV id recorded with the job")
	runID := fs.String("run-id", "", "run identifier (minted when empty)")
	resume := fs.Bool("resume", false, "resume the given run id instead of starting fresh")
	concurrency := fs.Int("concurrency", 0, "runner concurrency override")
	budget := fs.Float64("budget", 0, "budget in USD checked against the tenant ceiling")
	capsFlag := fs.String("capabilities", "", "comma-separated capabilities checked against the tenant allowlist")
	policyDir := fs.String("policy-dir", "", "policy bundle directory (POLICY_DIR, default mcp/)")

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return exitcode.Newf(exitcode.Usage, "engine", "usage: swarm engine enqueue <graph.yaml> [flags]")
	}
	graphFile := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}
	if *resume && *runID == "" {
		return exitcode.Newf(exitcode.Usage, "engine", "--resume requires --run-id")
	}

	cfg, tenantName, err := a.resolveConfig("engine-enqueue", "engine", *tenantFlag)
	if err != nil {
		return err
	}
	a.runID, a.auvID = *runID, *auvID

	bundle, err := loadPolicyBundle(resolvePolicyDir(*policyDir, cfg.ProjectRoot))
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "policy", err)
	}
	var policies *policy.Policies
	if bundle != nil {
		policies = bundle.Policies
	}

	broker, closeBroker, err := engineBroker(ctx, cfg, policies)
	if err != nil {
		return err
	}
	defer closeBroker()

	payload := queue.Payload{
		Type:        "run_graph",
		GraphFile:   graphFile,
		Tenant:      tenantName,
		RunID:       *runID,
		AUVID:       *auvID,
		Priority:    *priority,
		Resume:      *resume,
		Concurrency: *concurrency,
	}
	if *budget > 0 || *capsFlag != "" {
		payload.Constraints = &queue.Constraints{
			BudgetUSD:            *budget,
			RequiredCapabilities: splitCSV(*capsFlag),
		}
	}

	token := firstNonEmpty(*authToken, cfg.Auth.Token)
	job, err := broker.Enqueue(ctx, payload, token)
	if err != nil {
		return exitcode.New(enqueueExitCode(err), "engine", fmt.Errorf("Failed to enqueue: %w", err))
	}
	a.runID = job.Payload.RunID

	fmt.Printf("Job %s enqueued: run %s, tenant %s, priority %d\n",
		job.ID, job.Payload.RunID, job.Payload.Tenant, job.Payload.Priority)
	return nil
}

// enqueueExitCode distinguishes submission rejection classes: schema and
// reference problems are invalid payload, authorization and tenant policy
// are permission denied. After those gates the only failure surface left
// is broker I/O.
func enqueueExitCode(err error) int {
	var policyErr *auth.PolicyViolationError
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		return exitcode.InvalidPayload
	case errors.As(err, &policyErr),
		errors.Is(err, auth.ErrPermissionDenied),
		errors.Is(err, auth.ErrTenantForbidden),
		errors.Is(err, auth.ErrTokenMissing),
		errors.Is(err, auth.ErrTokenInvalid):
		return exitcode.PermissionDenied
	}
	return exitcode.BrokerUnavailable
}

// engineStatus prints queue metrics, or one job's record and recent log
// lines with --job.
func (a *app) engineStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jobID := fs.String("job", "", "job id to inspect")
	logLines := fs.Int64("log-lines", 20, "log lines to include with --job")
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}

	cfg, _, err := a.resolveConfig("engine-status", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	if *jobID != "" {
		job, err := broker.Get(ctx, *jobID)
		if err != nil {
			return exitcode.New(jobLookupExitCode(err), "engine", err)
		}
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return exitcode.New(exitcode.GenericFailure, "engine", err)
		}
		fmt.Println(string(data))

		lines, err := broker.Logs(ctx, *jobID, *logLines)
		if err != nil {
			return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
		}
		if len(lines) > 0 {
			fmt.Printf("\nLast %d log lines:\n", len(lines))
			for _, line := range lines {
				fmt.Println("  " + line)
			}
		}
		return nil
	}

	m, err := broker.Metrics(ctx)
	if err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	fmt.Printf("Queue %s (paused=%v)\n", cfg.Queue.Namespace, m.Paused)
	for _, state := range queue.AllStates {
		line := fmt.Sprintf("  %-11s %d", string(state)+":", m.Counts[state])
		if state == queue.StatePending && m.OldestPendingAge > 0 {
			line += fmt.Sprintf("  (oldest %s)", m.OldestPendingAge.Round(time.Second))
		}
		fmt.Println(line)
	}
	return nil
}

// jobLookupExitCode separates "no such job" from broker trouble.
func jobLookupExitCode(err error) int {
	if errors.Is(err, queue.ErrJobNotFound) {
		return exitcode.GenericFailure
	}
	return exitcode.BrokerUnavailable
}

// engineList prints jobs in one state as a table.
func (a *app) engineList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	stateFlag := fs.String("state", "pending", "job state to list")
	limit := fs.Int64("limit", 20, "maximum jobs to list")
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}
	state, err := queue.ParseState(*stateFlag)
	if err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}

	cfg, _, err := a.resolveConfig("engine-list", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	jobs, err := broker.List(ctx, state, *limit)
	if err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	if len(jobs) == 0 {
		fmt.Printf("No %s jobs\n", state)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tTENANT\tRUN\tATTEMPTS\tCREATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.State, job.Payload.Tenant, job.Payload.RunID,
			job.Attempts, job.MaxAttempts,
			job.CreatedAt.Format(time.RFC3339),
			truncate(job.Error, 60))
	}
	return w.Flush()
}

// engineMetrics prints the queue metrics block as JSON, in the same shape
// the status snapshot embeds.
func (a *app) engineMetrics(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return exitcode.Newf(exitcode.Usage, "engine", "engine metrics takes no arguments")
	}
	cfg, _, err := a.resolveConfig("engine-metrics", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	m, err := broker.Metrics(ctx)
	if err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	data, err := json.MarshalIndent(status.QueueBlock(cfg.Queue.Namespace, m), "", "  ")
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "engine", err)
	}
	fmt.Println(string(data))
	return nil
}

// engineMonitor streams queue events as JSON lines until interrupted.
func (a *app) engineMonitor(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return exitcode.Newf(exitcode.Usage, "engine", "engine monitor takes no arguments")
	}
	cfg, _, err := a.resolveConfig("engine-monitor", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	monCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	events, unsubscribe, err := broker.Monitor(monCtx)
	if err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	defer unsubscribe()
	slog.Info("Monitoring queue events", "namespace", cfg.Queue.Namespace)

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-monCtx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return exitcode.New(exitcode.GenericFailure, "engine", err)
			}
		}
	}
}

// enginePause suspends job claiming; running jobs finish.
func (a *app) enginePause(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return exitcode.Newf(exitcode.Usage, "engine", "engine pause takes no arguments")
	}
	cfg, _, err := a.resolveConfig("engine-pause", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	if err := broker.Pause(ctx); err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	fmt.Println("Queue paused: new claims suspended, running jobs finish")
	return nil
}

// engineResume lifts a pause.
func (a *app) engineResume(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return exitcode.Newf(exitcode.Usage, "engine", "engine resume takes no arguments")
	}
	cfg, _, err := a.resolveConfig("engine-resume", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	if err := broker.Resume(ctx); err != nil {
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	fmt.Println("Queue resumed")
	return nil
}

// engineCancel requests cancellation of one job.
func (a *app) engineCancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jobID := fs.String("job", "", "job id to cancel")
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}
	if *jobID == "" {
		return exitcode.Newf(exitcode.Usage, "engine", "usage: swarm engine cancel --job <id>")
	}

	cfg, _, err := a.resolveConfig("engine-cancel", "engine", "")
	if err != nil {
		return err
	}
	broker, closeBroker, err := engineBroker(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	job, err := broker.Cancel(ctx, *jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrJobTerminal) {
			return exitcode.New(exitcode.GenericFailure, "engine", err)
		}
		return exitcode.New(exitcode.BrokerUnavailable, "engine", err)
	}
	a.runID = job.Payload.RunID

	if job.State == queue.StateCancelled {
		fmt.Printf("Job %s cancelled\n", job.ID)
	} else {
		fmt.Printf("Job %s cancel requested (currently %s); the owning worker stops it on its next lock renewal\n",
			job.ID, job.State)
	}
	return nil
}

// engineEmitStatus writes the tenant status snapshot for dashboards. A
// broker outage degrades the queue section instead of failing the
// command, so dashboards keep rendering run and backup history.
func (a *app) engineEmitStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine emit-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag := fs.String("tenant", "", "tenant to snapshot")
	if err := fs.Parse(args); err != nil {
		return exitcode.New(exitcode.Usage, "engine", err)
	}

	cfg, tenantName, err := a.resolveConfig("engine-emit-status", "engine", *tenantFlag)
	if err != nil {
		return err
	}

	var metrics *queue.QueueMetrics
	if broker, closeBroker, err := engineBroker(ctx, cfg, nil); err != nil {
		slog.Warn("Queue broker unreachable, status carries empty queue counts", "error", err)
	} else {
		metrics, err = broker.Metrics(ctx)
		if err != nil {
			slog.Warn("Failed to read queue metrics", "error", err)
			metrics = nil
		}
		closeBroker()
	}

	snap := status.Build(cfg.ProjectRoot, tenantName, cfg.Queue.Namespace, metrics, time.Now())
	path, err := status.WriteFile(tenant.Root(cfg.ProjectRoot, tenantName), snap)
	if err != nil {
		return exitcode.New(exitcode.GenericFailure, "status", err)
	}
	fmt.Printf("Status written: %s\n", path)
	return nil
}

// engineBackup archives the tenant's runs and dist trees.
func (a *app) engineBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("engine backup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tenantFlag := fs.String("tenant", "", "tenant to archive")

	scopeArg := ""
	rest := args
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		scopeArg, rest = args[0], args[1:]
	}
	if err := fs.Parse(rest); err != nil {
		return exitcode.New(exitcode.Usage, "backup", err)
	}
	scope, err := backup.ParseScope(scopeArg)
	if err != nil {
		return exitcode.New(exitcode.Usage, "backup", err)
	}

	cfg, tenantName, err := a.resolveConfig("engine-backup", "backup", *tenantFlag)
	if err != nil {
		return err
	}

	var uploader backup.Uploader
	if cfg.Backup.S3Bucket != "" {
		up, err := backup.NewS3Uploader(ctx, cfg.Backup.S3Bucket)
		if err != nil {
			return exitcode.New(exitcode.GenericFailure, "backup", err)
		}
		uploader = up
	}

	rep, err := backup.New(cfg.ProjectRoot, cfg.Backup, uploader).Run(ctx, scope, tenantName)
	if err != nil {
		if errors.Is(err, tenant.ErrInvalidName) {
			return exitcode.New(exitcode.Usage, "backup", err)
		}
		return exitcode.New(exitcode.GenericFailure, "backup", err)
	}

	fmt.Printf("Backup %s created: %s (%d files, %d bytes)\n", rep.ID, rep.Path, rep.FileCount, rep.Size)
	if rep.S3Key != "" {
		fmt.Printf("Uploaded to s3://%s/%s\n", cfg.Backup.S3Bucket, rep.S3Key)
	}
	return nil
}

// splitCSV parses a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// truncate shortens a string for table cells.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
