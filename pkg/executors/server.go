package executors

import (
	"context"
	"sync"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/graph"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/mockserver"
)

// ServerManager owns staging servers started by server nodes so later
// nodes can resolve their base URL and the runner can tear them down on
// finalize.
type ServerManager struct {
	mu      sync.Mutex
	servers []*mockserver.Server
	base    string
}

func NewServerManager() *ServerManager {
	return &ServerManager{}
}

// Start brings up a staging server and blocks until it passes readiness.
func (m *ServerManager) Start(ctx context.Context, opts mockserver.Options) (*mockserver.Server, error) {
	srv := mockserver.New(opts)
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.servers = append(m.servers, srv)
	m.base = srv.BaseURL()
	m.mu.Unlock()
	return srv, nil
}

// BaseURL returns the most recently started server's address, or empty
// when no server is running.
func (m *ServerManager) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// Shutdown stops every managed server. Safe to call more than once.
func (m *ServerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	servers := m.servers
	m.servers = nil
	m.base = ""
	m.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// serverExec brings up the staging fixture server. Graphs bind it to the
// resource tag `server` so concurrent runs of the same graph do not race
// on a configured port.
type serverExec struct {
	servers *ServerManager
}

func (e *serverExec) Execute(ctx context.Context, ec *graph.ExecContext) (*graph.ExecResult, error) {
	opts := mockserver.Options{
		Addr:          stringParam(ec.Params, "addr", ""),
		CanonicalBase: stringParam(ec.Params, "canonical_base", ""),
	}
	srv, err := e.servers.Start(ctx, opts)
	if err != nil {
		// Readiness failures are usually a busy port or slow start.
		return nil, graph.Transient(err)
	}
	return &graph.ExecResult{
		Metadata: map[string]any{
			"base_url": srv.BaseURL(),
			"port":     srv.Port(),
		},
	}, nil
}
