package executors

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

const maxScanFileBytes = 2 << 20

// sastRule is one static-analysis pattern with its severity bucket.
type sastRule struct {
	name     string
	severity string
	re       *regexp.Regexp
}

var sastRules = []sastRule{
	{name: "command-exec", severity: "critical",
		re: regexp.MustCompile(`(?i)(child_process\.exec|os\.system|subprocess\.call)\s*\(`)},
	{name: "dangerous-eval", severity: "high",
		re: regexp.MustCompile(`(?i)\beval\s*\(`)},
	{name: "sql-concat", severity: "high",
		re: regexp.MustCompile(`(?i)(select|insert|update|delete)[^\n]*['"]\s*\+`)},
	{name: "dom-xss", severity: "medium",
		re: regexp.MustCompile(`(?i)\.innerHTML\s*=`)},
	{name: "insecure-transport", severity: "low",
		re: regexp.MustCompile(`http://[a-zA-Z0-9.-]+`)},
}

var codeExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true,
	".py": true, ".rb": true, ".php": true, ".java": true, ".go": true,
	".html": true, ".vue": true, ".svelte": true,
}

var secretRules = []sastRule{
	{name: "aws-access-key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{name: "private-key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{name: "generic-credential", re: regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token|password)["']?\s*[:=]\s*["'][A-Za-z0-9+/=_-]{16,}["']`)},
	{name: "bearer-token", re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{30,}`)},
	{name: "slack-webhook", re: regexp.MustCompile(`https://hooks\.slack\.com/services/T[0-9A-Za-z]+/B[0-9A-Za-z]+/[0-9A-Za-z]+`)},
}

// binaryExtensions are skipped by both scanners.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".gz": true, ".tar": true, ".zip": true, ".wav": true, ".mp3": true,
	".mp4": true, ".pdf": true, ".woff": true, ".woff2": true,
}

// securityScanExec walks the target tree applying the SAST rules and
// writes a severity-count summary. Blocking on the counts is the evidence
// gate's job, not the scanner's.
type securityScanExec struct{}

func (e *securityScanExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	target := stringParam(ec.Params, "target_dir", ec.AUVID)
	out := stringParam(ec.Params, "out", "security/security-summary.json")

	findings := map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0}
	scanned := 0
	err := scanFiles(ctx, filepath.Join(ec.TenantRoot, filepath.FromSlash(target)), func(path string, data []byte) {
		ext := strings.ToLower(filepath.Ext(path))
		if !codeExtensions[ext] {
			return
		}
		scanned++
		content := string(data)
		for _, rule := range sastRules {
			matches := rule.re.FindAllString(content, -1)
			for _, match := range matches {
				if rule.name == "insecure-transport" && localTarget(match) {
					continue
				}
				findings[rule.severity]++
			}
		}
	})
	if err != nil {
		return nil, err
	}

	relPath, err := writeJSONArtifact(ec, out, map[string]any{
		"tool":          "swarm-sast",
		"findings":      findings,
		"scanned_files": scanned,
	})
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"scanned_files": scanned, "critical": findings["critical"], "high": findings["high"]},
	}, nil
}

// secretsScanExec counts credential-shaped strings in the target tree.
// Unlike the SAST pass it reads every text file, dotfiles included, since
// .env files are exactly where leaks live.
type secretsScanExec struct{}

func (e *secretsScanExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	target := stringParam(ec.Params, "target_dir", ec.AUVID)
	out := stringParam(ec.Params, "out", "security/secrets-summary.json")

	leaks := 0
	err := scanFiles(ctx, filepath.Join(ec.TenantRoot, filepath.FromSlash(target)), func(path string, data []byte) {
		content := string(data)
		for _, rule := range secretRules {
			leaks += len(rule.re.FindAllString(content, -1))
		}
	})
	if err != nil {
		return nil, err
	}

	relPath, err := writeJSONArtifact(ec, out, map[string]any{
		"tool":             "swarm-secrets",
		"leaks":            leaks,
		"patterns_checked": len(secretRules),
	})
	if err != nil {
		return nil, err
	}
	return &graph.ExecResult{
		Artifacts: []string{relPath},
		Metadata:  map[string]any{"leaks": leaks},
	}, nil
}

// scanFiles walks root and hands readable regular files to fn. A missing
// root is an empty scan, not an error: scans may run before any build
// output exists.
func scanFiles(ctx context.Context, root string, fn func(path string, data []byte)) error {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return graph.Permanentf("scan target %s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			name := d.Name()
			if name == "node_modules" || name == ".git" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		fi, err := d.Info()
		if err != nil || fi.Size() > maxScanFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		fn(path, data)
		return nil
	})
}

func localTarget(match string) bool {
	host := strings.TrimPrefix(match, "http://")
	return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.")
}
