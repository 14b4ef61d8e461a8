package scheduler

import (
	"fmt"
	"strings"

	"github.com/stepforge/stepforge/internal/registry"
)

// CycleError reports a task that depends, directly or transitively, on
// itself. It is fatal and never retried.
type CycleError struct {
	// Stack is the dependency chain, outermost request first, ending with
	// the key that closed the cycle.
	Stack []registry.Key
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, k := range e.Stack {
		parts[i] = k.String()
	}
	return "cyclic dependency: " + strings.Join(parts, " -> ")
}

// RuleError wraps a failure raised by a task body, carrying the dependency
// chain from the top-level request down to the failing task.
type RuleError struct {
	Key   registry.Key
	Stack []registry.Key // chain from top-level request to Key, inclusive
	Err   error
}

func (e *RuleError) Error() string {
	if len(e.Stack) > 1 {
		parts := make([]string, len(e.Stack))
		for i, k := range e.Stack {
			parts[i] = k.String()
		}
		return fmt.Sprintf("building %s (via %s): %v", e.Key.String(), strings.Join(parts, " -> "), e.Err)
	}
	return fmt.Sprintf("building %s: %v", e.Key.String(), e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// BuildErrors aggregates the failures of a staunch run. The first error is
// the designated primary.
type BuildErrors struct {
	Errs []error
}

func (e *BuildErrors) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	return fmt.Sprintf("%d tasks failed, first: %v", len(e.Errs), e.Errs[0])
}

func (e *BuildErrors) Unwrap() []error { return e.Errs }

// Primary returns the designated primary failure.
func (e *BuildErrors) Primary() error { return e.Errs[0] }

// ComplexRecursionError reports IDs still marked Running after the pool
// drained: a scheduler bug or an unsupported recursive pattern. Fatal.
type ComplexRecursionError struct {
	Keys []registry.Key
}

func (e *ComplexRecursionError) Error() string {
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = k.String()
	}
	return "tasks still running after pool drained: " + strings.Join(parts, ", ")
}
