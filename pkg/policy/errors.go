package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTool indicates a capability map or allowlist references a
	// tool id missing from the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownAgent indicates a lookup for an agent id with no policy
	// entry where one is required.
	ErrUnknownAgent = errors.New("unknown agent")
)

// ReferenceError pinpoints a dangling tool reference found during
// cross-validation.
type ReferenceError struct {
	ToolID string
	Where  string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("unknown tool %q referenced in %s", e.ToolID, e.Where)
}

func (e *ReferenceError) Unwrap() error {
	return ErrUnknownTool
}

// LoadError wraps failures reading or decoding a policy document.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
