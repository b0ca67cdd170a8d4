package executors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// httpClient is shared by the test executors. Staging targets are local,
// so the timeout is short.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// artifactPath returns the absolute location for a tenant-root-relative
// artifact under the node's AUV directory, plus the relative path recorded
// in results.
func artifactPath(ec *graph.ExecContext, rel string) (abs, relPath string) {
	relPath = filepath.ToSlash(filepath.Join(ec.AUVID, rel))
	abs = filepath.Join(ec.TenantRoot, filepath.FromSlash(relPath))
	return abs, relPath
}

// writeArtifact writes data under <tenant-root>/<AUV>/<rel> and returns the
// tenant-root-relative path.
func writeArtifact(ec *graph.ExecContext, rel string, data []byte) (string, error) {
	abs, relPath := artifactPath(ec, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(abs, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", relPath, err)
	}
	return relPath, nil
}

// writeJSONArtifact marshals v with two-space indentation, the shape every
// JSON artifact in the evidence tree uses.
func writeJSONArtifact(ec *graph.ExecContext, rel string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling artifact %s: %w", rel, err)
	}
	return writeArtifact(ec, rel, append(data, '\n'))
}

// stagingBase resolves the target base URL for test executors: explicit
// node param, then STAGING_URL/API_BASE from the environment, then the
// server started earlier in this run. Missing everywhere is a graph
// authoring error, not a transient condition.
func stagingBase(ec *graph.ExecContext, servers *ServerManager, envKeys ...string) (string, error) {
	if v := stringParam(ec.Params, "base_url", ""); v != "" {
		return strings.TrimSuffix(v, "/"), nil
	}
	for _, key := range envKeys {
		if v := ec.Env[key]; v != "" {
			return strings.TrimSuffix(v, "/"), nil
		}
	}
	if servers != nil {
		if v := servers.BaseURL(); v != "" {
			return v, nil
		}
	}
	return "", graph.Permanentf("no staging target: set base_url, %s, or add a server node", strings.Join(envKeys, "/"))
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func stringsParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// routeSlug turns a route path into a stable file stem: "/" becomes
// "home", other separators become underscores.
func routeSlug(route string) string {
	trimmed := strings.Trim(route, "/")
	if trimmed == "" {
		return "home"
	}
	replacer := strings.NewReplacer("/", "_", "?", "_", "=", "_", "&", "_")
	return replacer.Replace(trimmed)
}
