package database

import (
	"time"

	"github.com/stepforge/stepforge/internal/registry"
)

// ID is the dense interned identifier for a Key. IDs are allocated on first
// reference, stable within a process run, and reused across runs for the
// same key. The intern table is append-only for the life of the database.
type ID int64

// Step is the build generation counter. It advances exactly once per run,
// before any task executes, and is monotone across process restarts.
type Step uint64

// StatusKind enumerates the per-ID lifecycle states.
type StatusKind int

const (
	Missing StatusKind = iota // never built
	Loaded                    // prior result exists, not yet verified this run
	Running                   // being computed by exactly one executor
	Ready                     // valid for the current step, safe to reuse
	Failed                    // last attempt failed; previous value retained
)

func (k StatusKind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of one successful task execution.
type Result struct {
	Value []byte

	// Built is the step at which the value was computed. Changed is the step
	// at which the value (or a transitive dependency) last actually changed;
	// a recomputation that produced byte-identical output carries the prior
	// Changed forward, which is what lets dependents skip rebuilding.
	Built   Step
	Changed Step

	// Deps holds the dependency groups recorded during the execution, one
	// group per Need call, preserving "requested together" structure.
	Deps [][]ID

	Took  time.Duration
	Trace string
}

// Clone returns a deep copy so callers can hold results outside the lock.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Value = append([]byte(nil), r.Value...)
	if r.Deps != nil {
		cp.Deps = make([][]ID, len(r.Deps))
		for i, g := range r.Deps {
			cp.Deps[i] = append([]ID(nil), g...)
		}
	}
	return &cp
}

// Flat returns all dependency IDs across groups.
func (r *Result) Flat() []ID {
	var ids []ID
	for _, g := range r.Deps {
		ids = append(ids, g...)
	}
	return ids
}

// Outcome is what a waiter observes when the run it was parked on settles.
type Outcome struct {
	Result *Result
	Err    error
}

// Status is the in-memory state for one ID. Access only through DB.Access,
// which holds the database lock.
type Status struct {
	Kind StatusKind

	// Result is the current value for Ready, and the previous value (a
	// recomputation hint) for Loaded, Running and Failed.
	Result *Result

	Err error

	// Waiters are requesters parked on a Running entry; they are woken with
	// the single execution's outcome instead of triggering a second one.
	Waiters []chan Outcome
}

// LiveKey pairs an interned key with its last known result, for the
// introspection surface and reports.
type LiveKey struct {
	ID     ID
	Key    registry.Key
	Result *Result
}
