package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

const (
	// DefaultConcurrency bounds parallel node execution when the spec
	// and the caller are both silent.
	DefaultConcurrency = 3
	// MaxConcurrency is the hard ceiling for parallel node execution.
	MaxConcurrency = 64

	defaultRetries   = 1
	defaultTimeoutMS = 30_000
)

// Defaults carries graph-wide retry and timeout settings that nodes
// inherit unless they override them.
type Defaults struct {
	Retries   int `yaml:"retries" json:"retries"`
	TimeoutMS int `yaml:"timeout_ms" json:"timeout_ms"`
}

// Node is one unit of work in a graph.
type Node struct {
	ID        string         `yaml:"id" json:"id"`
	Type      string         `yaml:"type" json:"type"`
	Requires  []string       `yaml:"requires,omitempty" json:"requires,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Resources []string       `yaml:"resources,omitempty" json:"resources,omitempty"`
	Retries   *int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	TimeoutMS *int           `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Spec is a parsed and validated execution graph.
type Spec struct {
	ProjectID   string   `yaml:"project_id" json:"project_id"`
	AUVID       string   `yaml:"auv_id,omitempty" json:"auv_id,omitempty"`
	Defaults    Defaults `yaml:"defaults" json:"defaults"`
	Concurrency int      `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Nodes       []Node   `yaml:"nodes" json:"nodes"`

	// Checksum is the sha256 of the raw spec bytes, recorded into run
	// state so a resume against an edited graph is detectable.
	Checksum string `yaml:"-" json:"-"`

	byID map[string]*Node
}

// LoadSpec reads a graph YAML file, expands {{.VAR}} environment
// references in it, validates it against the graph schema, and checks
// structural integrity: unique node ids, known dependencies, and an
// acyclic dependency relation. The checksum covers the expanded bytes,
// so a resume notices when the environment rewrote the effective graph.
func LoadSpec(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph spec %s: %w", path, err)
	}
	return ParseSpec(config.ExpandEnv(raw))
}

// ParseSpec validates and parses raw graph YAML.
func ParseSpec(raw []byte) (*Spec, error) {
	if err := schema.ValidateYAML(schema.Graph, raw); err != nil {
		return nil, err
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing graph spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	spec.Checksum = hex.EncodeToString(sum[:])
	if spec.Defaults.Retries == 0 {
		spec.Defaults.Retries = defaultRetries
	}
	if spec.Defaults.TimeoutMS == 0 {
		spec.Defaults.TimeoutMS = defaultTimeoutMS
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *Spec) validate() error {
	s.byID = make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		node := &s.Nodes[i]
		if _, dup := s.byID[node.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, node.ID)
		}
		s.byID[node.ID] = node
	}
	for i := range s.Nodes {
		node := &s.Nodes[i]
		for _, dep := range node.Requires {
			if _, ok := s.byID[dep]; !ok {
				return fmt.Errorf("%w: node %q requires %q", ErrUnknownDependency, node.ID, dep)
			}
		}
	}
	return s.checkCycles()
}

// checkCycles runs a depth-first search over the dependency relation and
// reports the first cycle found, including its path.
func (s *Spec) checkCycles() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(s.Nodes))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range s.byID[id].Requires {
			switch color[dep] {
			case gray:
				// Back edge: slice the stack from the first occurrence
				// of dep and close the loop.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for i := range s.Nodes {
		id := s.Nodes[i].ID
		if color[id] == white {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

// Node returns the node with the given id.
func (s *Spec) Node(id string) (*Node, bool) {
	n, ok := s.byID[id]
	return n, ok
}

// EffectiveRetries resolves the retry ceiling for a node.
func (s *Spec) EffectiveRetries(n *Node) int {
	if n.Retries != nil {
		return *n.Retries
	}
	return s.Defaults.Retries
}

// EffectiveTimeoutMS resolves the execution timeout for a node.
func (s *Spec) EffectiveTimeoutMS(n *Node) int {
	if n.TimeoutMS != nil && *n.TimeoutMS > 0 {
		return *n.TimeoutMS
	}
	return s.Defaults.TimeoutMS
}

// EffectiveConcurrency resolves the worker pool size, preferring the
// explicit override, then the spec, then the engine default, clamped
// to [1, MaxConcurrency].
func (s *Spec) EffectiveConcurrency(override int) int {
	c := override
	if c <= 0 {
		c = s.Concurrency
	}
	if c <= 0 {
		c = DefaultConcurrency
	}
	if c > MaxConcurrency {
		c = MaxConcurrency
	}
	return c
}

// Dependents returns the reverse adjacency of the dependency relation:
// for each node id, the ids that require it.
func (s *Spec) Dependents() map[string][]string {
	rev := make(map[string][]string, len(s.Nodes))
	for i := range s.Nodes {
		node := &s.Nodes[i]
		for _, dep := range node.Requires {
			rev[dep] = append(rev[dep], node.ID)
		}
	}
	return rev
}
