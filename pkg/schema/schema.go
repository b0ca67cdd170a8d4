// Package schema validates every document that crosses a system boundary:
// tool registry, policy bundle, job payloads, graph specs, run state,
// status snapshots, and the artifact documents the evidence gate consumes.
// Schemas are embedded JSON Schema (draft 2020-12) documents compiled once
// per process.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema document names.
const (
	Registry         = "registry"
	Policies         = "policies"
	Job              = "job"
	Graph            = "graph"
	RunState         = "run-state"
	Status           = "status"
	Manifest         = "manifest"
	SeoAudit         = "seo-audit"
	Insights         = "insights"
	ChartSet         = "chart-set"
	MediaComposition = "media-composition"
	DbMigration      = "db-migration"
)

// Error reports a document that failed validation against a named schema.
type Error struct {
	Doc string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed schema validation: %v", e.Doc, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	mu       sync.Mutex
	compiled = make(map[string]*jsonschema.Schema)
)

func get(name string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := compiled[name]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", name, err)
	}
	s, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	compiled[name] = s
	return s, nil
}

// Validate checks a JSON-decoded document (map[string]any etc.) against the
// named schema. Violations come back as *Error; an unknown schema name is a
// programmer error and returned as-is.
func Validate(name string, doc any) error {
	s, err := get(name)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return &Error{Doc: name, Err: err}
	}
	return nil
}

// ValidateJSON decodes raw JSON and validates it.
func ValidateJSON(name string, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &Error{Doc: name, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return Validate(name, doc)
}

// ValidateYAML decodes raw YAML, normalizes it through a JSON round-trip so
// numeric types match what the validator expects, and validates it.
func ValidateYAML(name string, raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &Error{Doc: name, Err: fmt.Errorf("invalid YAML: %w", err)}
	}
	normalized, err := jsonRoundTrip(doc)
	if err != nil {
		return &Error{Doc: name, Err: err}
	}
	return Validate(name, normalized)
}

// ValidateValue validates an arbitrary Go value (e.g. a struct about to be
// persisted) by round-tripping it through JSON.
func ValidateValue(name string, v any) error {
	normalized, err := jsonRoundTrip(v)
	if err != nil {
		return &Error{Doc: name, Err: err}
	}
	return Validate(name, normalized)
}

func jsonRoundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("normalizing document: %w", err)
	}
	return doc, nil
}
