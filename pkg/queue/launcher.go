package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/exitcode"
)

// Launcher runs one job attempt and reports the runner's exit code. The
// error return covers launch failures only; a runner that started and
// exited non-zero is reported through the code.
type Launcher interface {
	Launch(ctx context.Context, job *Job, stdout, stderr io.Writer) (int, error)
}

// ProcessLauncher executes the graph runner as a child process. Process
// isolation is the crash boundary: a panicking or OOM-killed run can
// never take the worker down with it, and the run state file it left
// behind makes the retry resumable.
type ProcessLauncher struct {
	// Binary is the runner executable; empty means the current executable.
	Binary string
	// BaseEnv is the child's base environment; nil means the worker's own.
	BaseEnv []string
}

// launchArgs builds the run-graph invocation for a job payload.
func launchArgs(p Payload) []string {
	args := []string{"run-graph", p.GraphFile,
		"--tenant", p.Tenant,
		"--run-id", p.RunID,
	}
	if p.Resume {
		args = append(args, "--resume", p.RunID)
	}
	if p.Concurrency > 0 {
		args = append(args, "--concurrency", strconv.Itoa(p.Concurrency))
	}
	return args
}

// Launch spawns `swarm run-graph` for the job and waits for it. Context
// cancellation kills the child.
func (l *ProcessLauncher) Launch(ctx context.Context, job *Job, stdout, stderr io.Writer) (int, error) {
	binary := l.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolving runner binary: %w", err)
		}
		binary = exe
	}

	args := launchArgs(job.Payload)

	env := l.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	merged := append([]string(nil), env...)
	for k, v := range job.Payload.Env {
		merged = append(merged, k+"="+v)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = merged
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Give the killed child a moment to flush before Wait gives up on its pipes.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting runner: %w", err)
	}
	err := cmd.Wait()
	if err == nil {
		return exitcode.OK, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by signal. The worker distinguishes timeout/cancel
			// through the job context, so anything else is generic.
			return exitcode.GenericFailure, nil
		}
		return code, nil
	}
	return 0, fmt.Errorf("waiting for runner: %w", err)
}

// progressRe matches percentage figures in runner output, e.g. the
// "3/4 nodes (75%)" progress lines the graph runner prints.
var progressRe = regexp.MustCompile(`(\d{1,3})%`)

func extractProgress(line string) (int, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

const (
	streamOut = "out"
	streamErr = "err"
)

// logStream adapts runner output into the job's log ring. Each complete
// line is pushed with a stream prefix; stdout lines are also scanned for
// progress figures. A capped tail of raw bytes is kept for failure
// reports.
type logStream struct {
	broker  *Broker
	jobID   string
	name    string
	buf     []byte
	tail    []byte
	tailMax int
}

func newLogStream(b *Broker, jobID, name string) *logStream {
	return &logStream{broker: b, jobID: jobID, name: name, tailMax: b.cfg.LogTailBytes}
}

func (s *logStream) Write(p []byte) (int, error) {
	s.tail = append(s.tail, p...)
	if len(s.tail) > s.tailMax {
		s.tail = s.tail[len(s.tail)-s.tailMax:]
	}

	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.buf[:i]), "\r")
		s.buf = s.buf[i+1:]
		s.emitLine(line)
	}
	return len(p), nil
}

// Flush pushes any trailing partial line. Call after the runner exits.
func (s *logStream) Flush() {
	if len(s.buf) > 0 {
		s.emitLine(strings.TrimRight(string(s.buf), "\r"))
		s.buf = nil
	}
}

// Tail returns the retained trailing output for failure reports.
func (s *logStream) Tail() string {
	return strings.TrimSpace(string(s.tail))
}

func (s *logStream) emitLine(line string) {
	if line == "" {
		return
	}
	s.broker.appendLog(context.Background(), s.jobID, "["+s.name+"] "+line)
	if s.name == streamOut {
		if pct, ok := extractProgress(line); ok {
			s.broker.setProgress(context.Background(), s.jobID, pct)
		}
	}
}

// maxCollectedArtifacts bounds the artifact list recorded per job; the
// full tree stays on disk regardless.
const maxCollectedArtifacts = 256

// collectArtifacts lists run outputs under the tenant root as sorted
// slash-separated paths relative to that root. With an AUV id the walk
// covers only that AUV's directory; otherwise it covers the whole root,
// filtered to files written since the job was created so unrelated older
// runs stay out of the result.
func collectArtifacts(tenantRoot, auvID string, since time.Time) []string {
	base := tenantRoot
	if auvID != "" {
		base = filepath.Join(tenantRoot, auvID)
	}

	var out []string
	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			// Engine-internal trees are not deliverables.
			if base == tenantRoot && path != base {
				switch d.Name() {
				case "observability", "graph":
					return fs.SkipDir
				}
			}
			return nil
		}
		if base == tenantRoot && !since.IsZero() {
			info, err := d.Info()
			if err != nil || info.ModTime().Before(since) {
				return nil
			}
		}
		rel, err := filepath.Rel(tenantRoot, path)
		if err != nil {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})

	sort.Strings(out)
	if len(out) > maxCollectedArtifacts {
		out = out[:maxCollectedArtifacts]
	}
	return out
}
