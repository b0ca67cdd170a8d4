package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStateNotFound indicates no persisted state exists for a run id.
	ErrStateNotFound = errors.New("run state not found")
	// ErrDuplicateNode indicates a graph spec declares the same node id twice.
	ErrDuplicateNode = errors.New("duplicate node id")
	// ErrUnknownDependency indicates a node requires an id that is not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrNoExecutor indicates a node type with no registered executor.
	ErrNoExecutor = errors.New("no executor registered")
)

// CycleError reports a dependency cycle with the offending path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("CYCLE_DETECTED: %s", strings.Join(e.Path, " -> "))
}

// ErrorClass drives the retry decision for a failed node.
type ErrorClass string

const (
	// ClassTransient errors retry up to the node's attempts ceiling.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent errors never retry.
	ClassPermanent ErrorClass = "permanent"
	// ClassTimeout errors retry with a shorter backoff.
	ClassTimeout ErrorClass = "timeout"
	// ClassCancelled errors never retry and mark the node cancelled.
	ClassCancelled ErrorClass = "cancelled"
)

// ExecError attaches a classification to an executor failure. Executors
// return plain errors for the default transient behavior and wrap with
// Permanent/Transient when they know better.
type ExecError struct {
	Class ErrorClass
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the runner never retries it.
func Permanent(err error) error {
	return &ExecError{Class: ClassPermanent, Err: err}
}

// Permanentf is Permanent with fmt.Errorf semantics.
func Permanentf(format string, args ...any) error {
	return &ExecError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err for explicit transient classification.
func Transient(err error) error {
	return &ExecError{Class: ClassTransient, Err: err}
}

// Classify maps an executor error to its class. Context deadline and
// cancellation take precedence; unknown errors default to transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	return ClassTransient
}
