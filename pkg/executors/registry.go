// Package executors provides the built-in node executors for graph runs:
// staging server bring-up, HTTP and browser checks, performance audit,
// visual regression, security and secrets scans, the data/chart/media/SEO/DB
// domain executors, the subagent gateway, and the inline evidence gate.
// Every artifact lands under the tenant's AUV directory.
package executors

import (
	"context"
	"fmt"
	"sync"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
)

// Registry maps node types to executors. The built-in set is closed;
// Register is the extension point for embedders.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]graph.Executor
	servers   *ServerManager
}

// NewRegistry builds a registry with every built-in executor registered.
func NewRegistry() *Registry {
	servers := NewServerManager()
	r := &Registry{
		executors: make(map[string]graph.Executor),
		servers:   servers,
	}
	builtins := map[string]graph.Executor{
		"server":          &serverExec{servers: servers},
		"api-test":        &apiTestExec{servers: servers},
		"browser-test":    &browserTestExec{servers: servers},
		"perf-audit":      &perfAuditExec{servers: servers},
		"visual-capture":  &visualCaptureExec{servers: servers},
		"visual-compare":  &visualCompareExec{},
		"security.scan":   &securityScanExec{},
		"secrets.scan":    &secretsScanExec{},
		"data.ingest":     &dataIngestExec{},
		"data.insights":   &dataInsightsExec{},
		"chart.render":    &chartRenderExec{},
		"audio.tts":       &audioTTSExec{},
		"video.compose":   &videoComposeExec{},
		"seo.audit":       &seoAuditExec{servers: servers},
		"db.migration":    &dbMigrationExec{},
		"subagent":        &subagentExec{},
		"work_simulation": &workSimulationExec{},
		"cvf-gate":        &cvfGateExec{},
	}
	for nodeType, ex := range builtins {
		r.executors[nodeType] = ex
	}
	return r
}

// Register adds a custom executor. Built-in types cannot be replaced.
func (r *Registry) Register(nodeType string, ex graph.Executor) error {
	if nodeType == "" {
		return fmt.Errorf("executor type must not be empty")
	}
	if ex == nil {
		return fmt.Errorf("executor for %q must not be nil", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("executor type %q already registered", nodeType)
	}
	r.executors[nodeType] = ex
	return nil
}

// Lookup implements graph.ExecutorRegistry.
func (r *Registry) Lookup(nodeType string) (graph.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[nodeType]
	return ex, ok
}

// Servers exposes the shared server manager, mainly for tests and the CLI.
func (r *Registry) Servers() *ServerManager {
	return r.servers
}

// Finalize implements graph.Finalizer by shutting down any staging servers
// started during the run.
func (r *Registry) Finalize(ctx context.Context) error {
	return r.servers.Shutdown(ctx)
}

var _ graph.ExecutorRegistry = (*Registry)(nil)
var _ graph.Finalizer = (*Registry)(nil)
