package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stepforge/stepforge/internal/cache"
	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/events"
	"github.com/stepforge/stepforge/internal/registry"
)

// action chosen by the atomic status inspection in need.
type action int

const (
	actReturn action = iota // Ready: reuse immediately
	actWait                 // Running: park as a waiter
	actCheck                // Loaded: run the validity check
	actBuild                // Missing: consult cache, then execute
	actFail                 // Failed this run: report the settled error
)

// need resolves one key on the current logical call path. The caller must
// hold a pool slot; need still holds one on return. stack is the chain of
// IDs being built on this path, used for cycle detection.
func (s *Scheduler) need(ctx context.Context, stack []database.ID, key registry.Key) (*database.Result, error) {
	id, err := s.db.Intern(ctx, key)
	if err != nil {
		return nil, err
	}

	for _, sid := range stack {
		if sid == id {
			return nil, s.cycleError(stack, id)
		}
	}

	var (
		act  action
		res  *database.Result
		old  *database.Result
		ferr error
		park chan database.Outcome
	)
	s.db.Access(id, func(st *database.Status) {
		switch st.Kind {
		case database.Ready:
			act = actReturn
			res = st.Result.Clone()
		case database.Running:
			act = actWait
			park = make(chan database.Outcome, 1)
			st.Waiters = append(st.Waiters, park)
		case database.Loaded:
			act = actCheck
			old = st.Result.Clone()
			st.Kind = database.Running
		case database.Failed:
			// Settled this run: later requesters observe the same failure.
			// The body is retried only once a reset demotes it to Loaded.
			act = actFail
			ferr = st.Err
		default: // Missing
			act = actBuild
			old = st.Result.Clone()
			st.Kind = database.Running
		}
	})

	switch act {
	case actReturn:
		return res, nil

	case actFail:
		return nil, ferr

	case actWait:
		outcome, err := s.wait(ctx, park)
		if err != nil {
			return nil, err
		}
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Result, nil

	case actCheck:
		res, fps, err := s.checkValid(ctx, stack, id, key, old)
		if err != nil {
			return nil, s.settleErr(ctx, id, key, stack, err, old)
		}
		if res != nil {
			return res, nil
		}
		return s.build(ctx, stack, id, key, old, fps)

	default:
		// No dependency history: leaf tasks can still hit the cache under
		// an empty fingerprint list.
		return s.build(ctx, stack, id, key, old, []string{})
	}
}

// wait parks the caller until the single in-flight execution of an ID
// settles. The pool slot is given back for the duration, so a suspended
// task occupies no worker.
func (s *Scheduler) wait(ctx context.Context, park chan database.Outcome) (database.Outcome, error) {
	s.pool.release()

	var (
		outcome database.Outcome
		err     error
	)
	select {
	case outcome = <-park:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.pool.acquireBlocking()
	if err != nil {
		return database.Outcome{}, err
	}
	return outcome, nil
}

// checkValid decides whether a Loaded result can be promoted without
// executing the body: every recorded dependency must resolve to Ready with
// a changed step no later than the old result's built step. On success it
// promotes and returns the result. On an ordinary invalidation it returns
// (nil, fingerprints, nil) where fingerprints cover the old dependency set's
// fresh values (for the cache lookup), or nil fingerprints when any
// dependency itself failed. Cycle errors propagate as fatal.
//
// The caller has already transitioned the ID to Running, so concurrent
// requesters park instead of double-checking.
func (s *Scheduler) checkValid(ctx context.Context, stack []database.ID, id database.ID, key registry.Key, old *database.Result) (*database.Result, []string, error) {
	childStack := pushStack(stack, id)

	// The type's own dirty predicate runs first: it is how a changed leaf
	// input (a source file, an environment probe) is detected at all. A
	// dirty task also skips the cache, because its cached entry describes
	// the recorded state the predicate just disavowed.
	if tt, ok := s.reg.Get(key.Type); ok && tt.Dirty != nil {
		dirty, err := tt.Dirty(key, old.Value)
		if err != nil || dirty {
			return nil, nil, nil
		}
	}

	valid := true
	complete := true
	var fps []string

	for _, group := range old.Deps {
		results := make([]*database.Result, len(group))

		// Resolve one group in parallel, suspending this task meanwhile.
		s.pool.release()
		g, gctx := errgroup.WithContext(ctx)
		for i, depID := range group {
			depKey, ok := s.db.KeyOf(depID)
			if !ok {
				complete = false
				continue
			}
			g.Go(func() error {
				if err := s.pool.acquire(gctx); err != nil {
					return err
				}
				defer s.pool.release()

				depRes, err := s.need(gctx, childStack, depKey)
				if err != nil {
					return err
				}
				results[i] = depRes
				return nil
			})
		}
		err := g.Wait()
		s.pool.acquireBlocking()

		if err != nil {
			var cerr *CycleError
			if errors.As(err, &cerr) {
				return nil, nil, err
			}
			// A failed dependency invalidates the old result; recomputation
			// will surface the failure through the body's own Need.
			valid = false
			complete = false
			break
		}

		// Even once invalid, keep resolving the remaining groups: the cache
		// lookup addresses by the fingerprints of the full old dependency
		// set, so a partial list is useless.
		for _, depRes := range results {
			if depRes == nil {
				valid = false
				complete = false
				continue
			}
			if depRes.Changed > old.Built {
				valid = false
			}
			fps = append(fps, cache.Fingerprint(depRes.Value))
		}
	}

	if !valid || !complete {
		if !complete {
			fps = nil
		}
		return nil, fps, nil
	}

	// Promote: the stored value is still the on-disk record, so no journal
	// write is needed for a validity-only reuse.
	var promoted *database.Result
	s.db.Access(id, func(st *database.Status) {
		st.Kind = database.Ready
		st.Result = old
		promoted = st.Result
		s.wake(st, database.Outcome{Result: promoted})
	})
	s.count(func(st *Stats) { st.Reused++ })
	s.publish(events.TaskReusedEvent{Key: key, Timestamp: time.Now()})
	return promoted, nil, nil
}

// build consults the shared cache and, on a miss, executes the task body.
// The caller has already transitioned the ID to Running. fps, when non-nil,
// fingerprints the old dependency set's current values for cache addressing.
func (s *Scheduler) build(ctx context.Context, stack []database.ID, id database.ID, key registry.Key, old *database.Result, fps []string) (*database.Result, error) {
	start := time.Now()
	step := s.db.Step()

	tt, ok := s.reg.Get(key.Type)
	if !ok {
		err := s.settleErr(ctx, id, key, stack, fmt.Errorf("no rule registered for task type %q", key.Type), old)
		return nil, err
	}

	if s.bridge != nil && fps != nil {
		if res, err := s.fromCache(ctx, stack, id, key, tt, old, fps, step); res != nil || err != nil {
			return res, err
		}
	}

	s.publish(events.TaskStartedEvent{Key: key, Timestamp: start})

	req := &requester{s: s, key: key, stack: pushStack(stack, id)}
	value, err := s.runBody(ctx, tt, key, req)
	if err != nil {
		werr := s.settleErr(ctx, id, key, stack, err, old)
		s.publish(events.TaskFailedEvent{Key: key, Err: werr, Duration: time.Since(start), Timestamp: time.Now()})
		return nil, werr
	}

	res := &database.Result{
		Value:   value,
		Built:   step,
		Changed: step,
		Deps:    req.groups,
		Took:    time.Since(start),
		Trace:   uuid.NewString(),
	}
	changed := true
	if old != nil && bytes.Equal(old.Value, value) {
		res.Changed = old.Changed
		changed = false
	}

	if err := s.settleReady(ctx, id, key, stack, res, old); err != nil {
		return nil, err
	}
	s.count(func(st *Stats) { st.Built++ })
	s.publish(events.TaskBuiltEvent{Key: key, Changed: changed, Duration: res.Took, Timestamp: time.Now()})

	if s.bridge != nil {
		s.bridge.Store(ctx, key.Type, key.Bytes(), req.fingerprints(), &cache.Entry{
			Value: value,
			Deps:  req.depKeys(),
		})
	}
	return res, nil
}

// runBody executes the rule and encodes its value.
func (s *Scheduler) runBody(ctx context.Context, tt registry.TaskType, key registry.Key, req *requester) ([]byte, error) {
	v, err := tt.Run(ctx, key, req)
	if err != nil {
		return nil, err
	}
	value, err := tt.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return value, nil
}

// fromCache tries to satisfy the task from the bridge. A hit materializes
// the value, records the cached dependency set exactly as a real build
// would, and never runs the body. Returns (nil, nil) on a miss.
func (s *Scheduler) fromCache(ctx context.Context, stack []database.ID, id database.ID, key registry.Key, tt registry.TaskType, old *database.Result, fps []string, step database.Step) (*database.Result, error) {
	entry, hit := s.bridge.Lookup(ctx, key.Type, key.Bytes(), fps)
	if !hit {
		return nil, nil
	}

	if tt.Materialize != nil {
		if err := tt.Materialize(ctx, key, entry.Value); err != nil {
			// A failed materialization falls back to a real build.
			return nil, nil
		}
	}

	group := make([]database.ID, 0, len(entry.Deps))
	for _, depKey := range entry.Deps {
		depID, err := s.db.Intern(ctx, depKey)
		if err != nil {
			return nil, s.settleErr(ctx, id, key, stack, err, old)
		}
		group = append(group, depID)
	}
	var deps [][]database.ID
	if len(group) > 0 {
		deps = [][]database.ID{group}
	}

	res := &database.Result{
		Value:   entry.Value,
		Built:   step,
		Changed: step,
		Deps:    deps,
		Trace:   uuid.NewString(),
	}
	if old != nil && bytes.Equal(old.Value, entry.Value) {
		res.Changed = old.Changed
	}

	if err := s.settleReady(ctx, id, key, stack, res, old); err != nil {
		return nil, err
	}
	s.count(func(st *Stats) { st.CacheHits++ })
	s.publish(events.TaskCacheHitEvent{Key: key, Timestamp: time.Now()})
	return res, nil
}

// settleReady journals the result and only then makes the Ready transition
// visible, waking every waiter. The journal-first ordering is the crash
// consistency invariant: disk is never more advanced than observed memory,
// and memory is never ahead of a record that could be lost.
func (s *Scheduler) settleReady(ctx context.Context, id database.ID, key registry.Key, stack []database.ID, res *database.Result, old *database.Result) error {
	if err := s.db.Journal(ctx, id, res); err != nil {
		return s.settleErr(ctx, id, key, stack, err, old)
	}
	s.db.Access(id, func(st *database.Status) {
		st.Kind = database.Ready
		st.Result = res
		st.Err = nil
		s.wake(st, database.Outcome{Result: res})
	})
	return nil
}

// settleErr transitions the ID to Failed, retaining the previous value for
// reporting, and wakes every waiter with the same wrapped error.
func (s *Scheduler) settleErr(ctx context.Context, id database.ID, key registry.Key, stack []database.ID, cause error, old *database.Result) error {
	werr := &RuleError{
		Key:   key,
		Stack: s.keyChain(stack, id),
		Err:   cause,
	}
	s.db.Access(id, func(st *database.Status) {
		st.Kind = database.Failed
		st.Err = werr
		st.Result = old
		s.wake(st, database.Outcome{Err: werr})
	})
	s.count(func(st *Stats) { st.Failed++ })
	return werr
}

// wake delivers an outcome to all parked waiters. Buffers are size one, so
// delivery never blocks under the database lock.
func (s *Scheduler) wake(st *database.Status, outcome database.Outcome) {
	for _, ch := range st.Waiters {
		ch <- outcome
	}
	st.Waiters = nil
}

// cycleError builds the fatal cycle report from the current stack.
func (s *Scheduler) cycleError(stack []database.ID, id database.ID) error {
	return &CycleError{Stack: s.keyChain(stack, id)}
}

// keyChain resolves a stack of IDs plus the current ID to keys.
func (s *Scheduler) keyChain(stack []database.ID, id database.ID) []registry.Key {
	chain := make([]registry.Key, 0, len(stack)+1)
	for _, sid := range append(append([]database.ID(nil), stack...), id) {
		if key, ok := s.db.KeyOf(sid); ok {
			chain = append(chain, key)
		}
	}
	return chain
}

// pushStack copies-on-push so sibling branches never alias each other's
// backing arrays.
func pushStack(stack []database.ID, id database.ID) []database.ID {
	next := make([]database.ID, len(stack)+1)
	copy(next, stack)
	next[len(stack)] = id
	return next
}
