// Package backup archives tenant artifact trees into timestamped tar.gz
// files under backups/<tenant>/, redacting secret-bearing paths. Archives
// can optionally be shipped to S3, and a retention sweep prunes local
// copies past their configured age.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/observability"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/tenant"
)

// Scope selects which tenant trees a backup covers.
type Scope string

const (
	// ScopeRuns archives the tenant's run artifacts.
	ScopeRuns Scope = "runs"
	// ScopeDist archives the tenant's output bundles.
	ScopeDist Scope = "dist"
	// ScopeBoth archives run artifacts and output bundles together.
	ScopeBoth Scope = "both"
)

// ParseScope validates a scope argument. An empty string means both trees.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeRuns, ScopeDist, ScopeBoth:
		return Scope(s), nil
	case "":
		return ScopeBoth, nil
	}
	return "", fmt.Errorf("unknown backup scope %q (want runs, dist, or both)", s)
}

// Report describes one finished archive. JSON field names match the
// backups block of the status snapshot schema.
type Report struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant"`
	Scope     Scope  `json:"scope"`
	Path      string `json:"path"`
	FileCount int    `json:"file_count"`
	Size      int64  `json:"size"`
	S3Key     string `json:"s3_key,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Archiver produces tenant-scoped backups under <project-root>/backups/.
type Archiver struct {
	root     string
	cfg      *config.BackupConfig
	uploader Uploader
	now      func() time.Time
}

// New returns an archiver rooted at the project root. A nil cfg disables
// upload and retention. uploader may be nil; when cfg.S3Bucket is set,
// callers wire one up with NewS3Uploader.
func New(root string, cfg *config.BackupConfig, uploader Uploader) *Archiver {
	if cfg == nil {
		cfg = &config.BackupConfig{}
	}
	return &Archiver{root: root, cfg: cfg, uploader: uploader, now: time.Now}
}

// scopeTree pairs an archive entry prefix with the directory it mirrors.
// pruneTenants guards the default tenant, whose root doubles as the shard
// parent for named tenants: its tenants/ subtree belongs to other tenants
// and must never cross into a default-scope archive.
type scopeTree struct {
	prefix       string
	dir          string
	pruneTenants bool
}

func (a *Archiver) trees(scope Scope, tenantName string) ([]scopeTree, error) {
	prune := tenantName == tenant.Default
	runs := scopeTree{prefix: "runs", dir: tenant.Root(a.root, tenantName), pruneTenants: prune}
	dist := scopeTree{prefix: "dist", dir: tenant.DistRoot(a.root, tenantName), pruneTenants: prune}
	switch scope {
	case ScopeRuns:
		return []scopeTree{runs}, nil
	case ScopeDist:
		return []scopeTree{dist}, nil
	case ScopeBoth:
		return []scopeTree{runs, dist}, nil
	}
	return nil, fmt.Errorf("unknown backup scope %q", scope)
}

// Run archives the tenant's trees for the given scope. The archive always
// lands, even when the trees are empty; an empty archive is still a valid
// restore point. When an uploader is configured the report carries the
// remote key; an upload failure is an error but leaves the local archive
// in place for retry.
func (a *Archiver) Run(ctx context.Context, scope Scope, tenantName string) (*Report, error) {
	tenantName = tenant.Normalize(tenantName)
	if err := tenant.Validate(tenantName); err != nil {
		return nil, err
	}
	trees, err := a.trees(scope, tenantName)
	if err != nil {
		return nil, err
	}

	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, fmt.Errorf("generating backup id: %w", err)
	}
	now := a.now()
	id := fmt.Sprintf("backup-%s-%s", now.UTC().Format("20060102-150405"), hex.EncodeToString(suffix[:]))

	destDir := filepath.Join(a.root, "backups", tenantName)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}
	dest := filepath.Join(destDir, id+".tar.gz")

	count, err := writeArchive(ctx, dest, trees)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stating archive: %w", err)
	}

	rep := &Report{
		ID:        id,
		Tenant:    tenantName,
		Scope:     scope,
		Path:      dest,
		FileCount: count,
		Size:      info.Size(),
		CreatedAt: now.UnixMilli(),
	}

	if a.uploader != nil && a.cfg.S3Bucket != "" {
		key := path.Join(a.cfg.S3Prefix, tenantName, filepath.Base(dest))
		if err := a.uploader.Upload(ctx, key, dest); err != nil {
			return nil, fmt.Errorf("uploading archive: %w", err)
		}
		rep.S3Key = key
	}

	sink := observability.NewSink(tenant.Root(a.root, tenantName))
	if err := sink.Emit(observability.EventBackupCreated, observability.Event{Tenant: tenantName}, map[string]any{
		"backup_id":  rep.ID,
		"path":       rep.Path,
		"scope":      string(scope),
		"file_count": rep.FileCount,
		"size":       rep.Size,
	}); err != nil {
		slog.Warn("Backup event not recorded", "tenant", tenantName, "error", err)
	}

	if n, err := a.SweepExpired(tenantName); err != nil {
		slog.Error("Backup retention sweep failed", "tenant", tenantName, "error", err)
	} else if n > 0 {
		slog.Info("Backup retention: removed expired archives", "tenant", tenantName, "count", n)
	}

	slog.Info("Backup created", "tenant", tenantName, "scope", scope,
		"path", dest, "files", count, "bytes", rep.Size)
	return rep, nil
}

// writeArchive streams every tree into a gzipped tar at dest. The archive
// is written to a temp path and renamed so a crash never leaves a partial
// file that restore tooling could mistake for a whole one.
func writeArchive(ctx context.Context, dest string, trees []scopeTree) (count int, err error) {
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, tree := range trees {
		n, terr := addTree(ctx, tw, tree)
		count += n
		if terr != nil {
			err = terr
			return count, err
		}
	}
	if err = tw.Close(); err != nil {
		return count, fmt.Errorf("finalizing archive: %w", err)
	}
	if err = gz.Close(); err != nil {
		return count, fmt.Errorf("finalizing archive: %w", err)
	}
	if err = f.Close(); err != nil {
		return count, fmt.Errorf("finalizing archive: %w", err)
	}
	if err = os.Rename(tmp, dest); err != nil {
		return count, fmt.Errorf("finalizing archive: %w", err)
	}
	return count, nil
}

// addTree writes every regular file under the tree into tw, naming entries
// <prefix>/<relative-path> with slash separators. Excluded components prune
// the subtree they name. A missing tree contributes nothing; a tenant may
// never have produced a dist tree.
func addTree(ctx context.Context, tw *tar.Writer, tree scopeTree) (int, error) {
	if _, err := os.Stat(tree.dir); os.IsNotExist(err) {
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(tree.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(tree.dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if tree.pruneTenants && rel == "tenants" && d.IsDir() {
			return fs.SkipDir
		}
		if excluded(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("building tar header for %s: %w", rel, err)
		}
		hdr.Name = path.Join(tree.prefix, filepath.ToSlash(rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", rel, err)
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return fmt.Errorf("archiving %s: %w", rel, err)
		}
		src.Close()
		count++
		return nil
	})
	return count, err
}
