package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/collij22/Ultimate-SWARM-sub004/pkg/config"
	"github.com/collij22/Ultimate-SWARM-sub004/pkg/schema"
)

// LoadRegistry reads, schema-validates, and decodes a registry YAML file.
// {{.VAR}} references are expanded from the environment first, so bundles
// can name api_key_env vars and endpoints per host.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}
	raw = config.ExpandEnv(raw)
	if err := schema.ValidateYAML(schema.Registry, raw); err != nil {
		return nil, &LoadError{File: path, Err: err}
	}
	var reg Registry
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("parsing registry: %w", err)}
	}
	reg.index()
	return &reg, nil
}

// LoadPolicies reads, schema-validates, and decodes a policy bundle YAML
// file, expanding {{.VAR}} references like LoadRegistry.
func LoadPolicies(path string) (*Policies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}
	raw = config.ExpandEnv(raw)
	if err := schema.ValidateYAML(schema.Policies, raw); err != nil {
		return nil, &LoadError{File: path, Err: err}
	}
	var pol Policies
	if err := yaml.Unmarshal(raw, &pol); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("parsing policies: %w", err)}
	}
	return &pol, nil
}

// Validate cross-references policies against the registry. Dangling tool
// references are hard errors; orphan tools and tools without a declared
// cost come back as warnings.
func Validate(reg *Registry, pol *Policies) ([]string, error) {
	caps := make([]string, 0, len(pol.CapabilityMap))
	for cap := range pol.CapabilityMap {
		caps = append(caps, cap)
	}
	sort.Strings(caps)

	mapped := make(map[string]bool)
	for _, cap := range caps {
		for _, id := range pol.CapabilityMap[cap] {
			if _, ok := reg.Tool(id); !ok {
				return nil, &ReferenceError{ToolID: id, Where: fmt.Sprintf("capability_map[%s]", cap)}
			}
			mapped[id] = true
		}
	}

	agents := make([]string, 0, len(pol.Agents))
	for agent := range pol.Agents {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	for _, agent := range agents {
		for _, id := range pol.Agents[agent].Allowlist {
			if _, ok := reg.Tool(id); !ok {
				return nil, &ReferenceError{ToolID: id, Where: fmt.Sprintf("agents[%s].allowlist", agent)}
			}
		}
	}

	var warnings []string
	for _, tool := range reg.Tools {
		if !mapped[tool.ID] {
			warnings = append(warnings, fmt.Sprintf("tool %q is registered but not mapped to any capability", tool.ID))
		}
		if tool.CostModel == nil && tool.CostScore == nil {
			warnings = append(warnings, fmt.Sprintf("tool %q declares neither cost_model nor cost_score; treated as free", tool.ID))
		}
	}
	return warnings, nil
}

// LoadDir loads registry.yaml and policies.yaml from a directory and
// cross-validates them. Warnings are logged and returned on the bundle.
func LoadDir(dir string) (*Bundle, error) {
	reg, err := LoadRegistry(filepath.Join(dir, "registry.yaml"))
	if err != nil {
		return nil, err
	}
	pol, err := LoadPolicies(filepath.Join(dir, "policies.yaml"))
	if err != nil {
		return nil, err
	}
	warnings, err := Validate(reg, pol)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		slog.Warn("Policy validation warning", "warning", w)
	}
	slog.Info("Policy bundle loaded",
		"tools", len(reg.Tools),
		"capabilities", len(pol.CapabilityMap),
		"agents", len(pol.Agents),
		"tenants", len(pol.Tenants),
		"warnings", len(warnings))
	return &Bundle{Registry: reg, Policies: pol, Warnings: warnings}, nil
}
