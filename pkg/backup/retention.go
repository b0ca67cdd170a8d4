package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// SweepExpired removes the tenant's local archives older than the retention
// window. Zero or negative retention disables pruning.
func (a *Archiver) SweepExpired(tenantName string) (int, error) {
	if a.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)
	return sweepDir(filepath.Join(a.root, "backups", tenant.Normalize(tenantName)), cutoff)
}

// SweepAllExpired prunes every tenant's backup directory.
func (a *Archiver) SweepAllExpired() (int, error) {
	if a.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)
	base := filepath.Join(a.root, "backups")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing backup root: %w", err)
	}
	total := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := sweepDir(filepath.Join(base, e.Name()), cutoff)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sweepDir removes archives in dir whose mtime predates cutoff. Only files
// matching the backup naming convention are touched; anything else in the
// directory is not ours to delete.
func sweepDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing backups: %w", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "backup-") || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return removed, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("removing expired archive: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Sweeper periodically prunes expired archives across all tenants. All
// operations are idempotent and safe to run from multiple hosts sharing
// the project root.
type Sweeper struct {
	archiver *Archiver
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a sweeper that prunes every interval.
func NewSweeper(archiver *Archiver, interval time.Duration) *Sweeper {
	return &Sweeper{archiver: archiver, interval: interval}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Backup retention sweeper started",
		"retention_days", s.archiver.cfg.RetentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Backup retention sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	count, err := s.archiver.SweepAllExpired()
	if err != nil {
		slog.Error("Backup retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Backup retention: removed expired archives", "count", count)
	}
}
