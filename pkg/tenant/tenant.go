// Package tenant maps tenant identifiers to isolated filesystem roots.
// Every artifact a run produces lives under its tenant's root; the helpers
// here are the only sanctioned way to build those paths, so traversal
// escapes are rejected in one place.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Default is the tenant used when none is specified. Its runs live directly
// under runs/ for compatibility with single-tenant layouts.
const Default = "default"

var (
	// ErrInvalidName indicates a tenant name outside the allowed grammar.
	ErrInvalidName = errors.New("invalid tenant name")
	// ErrPathEscape indicates a joined artifact path would leave the tenant root.
	ErrPathEscape = errors.New("artifact path escapes tenant root")
)

// Tenant names: lowercase alphanumeric, dash and underscore, max 64 chars,
// starting with an alphanumeric. Path separators and dot components are
// impossible under this grammar.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Validate reports whether name is an acceptable tenant identifier.
func Validate(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Normalize returns the effective tenant for a possibly-empty name.
func Normalize(name string) string {
	if name == "" {
		return Default
	}
	return name
}

// Root returns the run-artifact root for a tenant: runs/ for the default
// tenant, runs/tenants/<tenant>/ otherwise.
func Root(base, name string) string {
	if Normalize(name) == Default {
		return filepath.Join(base, "runs")
	}
	return filepath.Join(base, "runs", "tenants", name)
}

// DistRoot returns the output-bundle root for a tenant, following the same
// sharding rule as Root.
func DistRoot(base, name string) string {
	if Normalize(name) == Default {
		return filepath.Join(base, "dist")
	}
	return filepath.Join(base, "dist", "tenants", name)
}

// ArtifactPath joins path elements under the tenant's run root and rejects
// any result that escapes it. Elements may contain separators (e.g.
// "perf/lighthouse.json") but never ".." traversal.
func ArtifactPath(base, name string, elem ...string) (string, error) {
	root := Root(base, name)
	joined := filepath.Join(append([]string{root}, elem...)...)
	cleaned := filepath.Clean(joined)
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, filepath.Join(elem...))
	}
	return cleaned, nil
}

// layoutDirs is the standard subtree created for every tenant before a run.
var layoutDirs = []string{
	"graph",
	"observability",
	filepath.Join("observability", "ledgers"),
	"router",
	"reports",
	filepath.Join("reports", "result-cards"),
}

// EnsureLayout validates the tenant name and creates its standard run
// directory subtree.
func EnsureLayout(base, name string) error {
	name = Normalize(name)
	if err := Validate(name); err != nil {
		return err
	}
	root := Root(base, name)
	for _, dir := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("creating tenant layout: %w", err)
		}
	}
	return nil
}
