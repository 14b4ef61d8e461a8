// Package registry holds the per-type description of buildable tasks: a
// version number, an encoder/decoder pair for the task's value, the rule body
// itself, and an optional dirty-check predicate used by the lint pass.
// The registry is pure data; it is populated once at startup and read-only
// afterwards.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Key names one unit of buildable work, e.g. {"file", "out/app.o"} or
// {"oracle", "compiler-version"}. Keys are comparable and orderable, which
// lets the database intern them to dense integer identifiers.
type Key struct {
	Type string // type tag, resolved through the registry
	Name string // task name within the type
}

func (k Key) String() string {
	return k.Type + ":" + k.Name
}

// Bytes returns the stable byte encoding of the key used for journal records
// and cache addressing. The NUL separator cannot appear in a type tag.
func (k Key) Bytes() []byte {
	return append(append([]byte(k.Type), 0), k.Name...)
}

// Requester is handed to a rule body for requesting sub-tasks. Every Need
// call records one dependency group; keys within a call resolve in parallel.
type Requester interface {
	// Need resolves the given keys, building them if necessary, and returns
	// their values in key order. The calling task is suspended (without
	// occupying a worker) until all keys settle.
	Need(ctx context.Context, keys ...Key) ([][]byte, error)

	// Created records keys brought into existence as a side effect of the
	// calling task without being requested as dependencies. The lint pass
	// flags created keys that are tracked elsewhere in the build.
	Created(keys ...Key)

	// After registers an action to run after the whole build settles, outside
	// the build's error handling. Used for notifications and cleanup that
	// must not mask a build failure.
	After(fn func(ctx context.Context) error)
}

// Rule is the user-supplied body of a task. The returned value is passed
// through the type's encoder before it reaches the engine.
type Rule func(ctx context.Context, key Key, req Requester) (any, error)

// TaskType describes one registered task type.
type TaskType struct {
	// Tag is the stable type identifier, matching Key.Type.
	Tag string

	// Version invalidates all persisted results of this type when bumped.
	Version int

	// Encode and Decode translate between the rule's value and the opaque
	// bytes the engine stores. Both are required.
	Encode func(v any) ([]byte, error)
	Decode func(data []byte) (any, error)

	// Run executes the task body.
	Run Rule

	// Materialize is an optional hook run when a cached value is reused
	// without executing the body, e.g. writing output bytes to their
	// destination. A nil Materialize makes cache reuse a pure value copy.
	Materialize func(ctx context.Context, key Key, value []byte) error

	// Dirty is an optional cheap staleness predicate for the lint pass:
	// it reports whether the recorded value no longer matches the real world
	// (for example, an output file modified behind the engine's back).
	// A nil Dirty excludes the type from the staleness check.
	Dirty func(key Key, value []byte) (bool, error)
}

// Registry maps type tags to their TaskType. Safe for concurrent reads after
// registration.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TaskType
}

func New() *Registry {
	return &Registry{types: make(map[string]TaskType)}
}

// Register adds a task type. Duplicate tags and incomplete types are errors.
func (r *Registry) Register(t TaskType) error {
	if t.Tag == "" {
		return fmt.Errorf("registry: task type has empty tag")
	}
	if t.Encode == nil || t.Decode == nil {
		return fmt.Errorf("registry: task type %q is missing its value codec", t.Tag)
	}
	if t.Run == nil {
		return fmt.Errorf("registry: task type %q has no rule body", t.Tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Tag]; exists {
		return fmt.Errorf("registry: task type %q already registered", t.Tag)
	}
	r.types[t.Tag] = t
	return nil
}

// Get returns the task type for the given tag.
func (r *Registry) Get(tag string) (TaskType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[tag]
	return t, ok
}

// Version returns the current version for a tag, or -1 if the tag is unknown.
func (r *Registry) Version(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.types[tag]; ok {
		return t.Version
	}
	return -1
}

// Tags returns all registered type tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.types))
	for tag := range r.types {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
