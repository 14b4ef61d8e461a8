// Package scheduler executes build requests against the dependency
// database: it deduplicates in-flight work, validates loaded results via the
// step algebra instead of re-running bodies, consults the shared cache
// before real execution, and multiplexes logical tasks over a fixed worker
// pool so that a task suspended on a dependency occupies no worker.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stepforge/stepforge/internal/cache"
	"github.com/stepforge/stepforge/internal/ctxlog"
	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/events"
	"github.com/stepforge/stepforge/internal/registry"
)

// CreatedPair records a key brought into existence as a side effect of a
// task without being requested as a dependency. Consumed by the lint pass.
type CreatedPair struct {
	Parent  registry.Key
	Created registry.Key
}

// Options configures a Scheduler.
type Options struct {
	// Workers is the pool size; 0 auto-detects.
	Workers int

	// Staunch keeps independent branches building after a failure and
	// aggregates every error, instead of aborting on the first.
	Staunch bool

	// Bridge, when non-nil, enables lookup-before-build and
	// store-after-build against the shared cache.
	Bridge *cache.Bridge

	// Bus, when non-nil, receives task lifecycle events.
	Bus *events.Bus
}

// Stats counts how each task settled during a Build.
type Stats struct {
	Built     int // task bodies executed
	Reused    int // loaded results promoted by the validity check
	CacheHits int // satisfied from the shared cache
	Failed    int
}

// Scheduler coordinates one or more Build calls against a database.
type Scheduler struct {
	db      *database.DB
	reg     *registry.Registry
	pool    *pool
	bridge  *cache.Bridge
	bus     *events.Bus
	staunch bool

	cancel context.CancelFunc // set per Build; fired on fail-fast

	mu      sync.Mutex
	stats   Stats
	errs    []error
	created []CreatedPair
	after   []func(ctx context.Context) error
}

// New creates a Scheduler over the given database and registry.
func New(db *database.DB, reg *registry.Registry, opts Options) *Scheduler {
	return &Scheduler{
		db:      db,
		reg:     reg,
		pool:    newPool(opts.Workers),
		bridge:  opts.Bridge,
		bus:     opts.Bus,
		staunch: opts.Staunch,
	}
}

// Build resolves the given top-level keys, building whatever is missing or
// out of date, and returns their values in key order. In fail-fast mode the
// first failure stops scheduling of new work; in staunch mode independent
// branches continue and every failure is reported. After the pool drains,
// any ID still marked Running is a fatal scheduler invariant violation.
func (s *Scheduler) Build(ctx context.Context, keys ...registry.Key) ([][]byte, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.errs = nil
	s.stats = Stats{}
	s.mu.Unlock()

	log := ctxlog.FromContext(ctx)
	log.Debug("build started", "targets", len(keys), "workers", s.pool.size())

	values := make([][]byte, len(keys))

	g := new(errgroup.Group)
	for i, key := range keys {
		g.Go(func() error {
			if err := s.pool.acquire(runCtx); err != nil {
				s.addErr(err)
				return nil
			}
			defer s.pool.release()

			res, err := s.need(runCtx, nil, key)
			if err != nil {
				s.addErr(err)
				return nil
			}
			values[i] = res.Value
			return nil
		})
	}
	// Task errors are collected on the scheduler, never returned from the
	// group, so staunch runs are not torn down early.
	_ = g.Wait()

	if stuck := s.db.RunningIDs(); len(stuck) != 0 {
		crk := make([]registry.Key, 0, len(stuck))
		for _, id := range stuck {
			if key, ok := s.db.KeyOf(id); ok {
				crk = append(crk, key)
			}
		}
		return values, &ComplexRecursionError{Keys: crk}
	}

	s.mu.Lock()
	errs := s.errs
	stats := s.stats
	s.mu.Unlock()

	log.Debug("build finished",
		"built", stats.Built, "reused", stats.Reused,
		"cache_hits", stats.CacheHits, "failed", stats.Failed)
	if s.bus != nil {
		s.bus.Publish(events.TopicRun, events.RunFinishedEvent{
			Built:     stats.Built,
			Reused:    stats.Reused,
			CacheHits: stats.CacheHits,
			Failed:    stats.Failed,
			Timestamp: time.Now(),
		})
	}

	switch {
	case len(errs) == 0:
		return values, nil
	case len(errs) == 1:
		return values, errs[0]
	default:
		return values, &BuildErrors{Errs: errs}
	}
}

// Stats returns the counters from the most recent Build.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Created returns the (parent, created) pairs observed so far.
func (s *Scheduler) Created() []CreatedPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CreatedPair(nil), s.created...)
}

// AfterActions returns and clears the deferred actions registered by rules.
func (s *Scheduler) AfterActions() []func(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	after := s.after
	s.after = nil
	return after
}

// addErr records a failure once; duplicate observations of the same error
// instance (a failing task seen by several waiters) collapse. In fail-fast
// mode the first failure cancels scheduling of new work, and the
// cancellation fallout of that tear-down is not itself a failure, so it is
// dropped once the causal error is recorded.
func (s *Scheduler) addErr(err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	if !s.staunch && len(s.errs) > 0 &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.mu.Unlock()
		return
	}
	for _, have := range s.errs {
		if have == err {
			s.mu.Unlock()
			return
		}
	}
	first := len(s.errs) == 0
	s.errs = append(s.errs, err)
	cancel := s.cancel
	s.mu.Unlock()

	if first && !s.staunch && cancel != nil {
		cancel()
	}
}

func (s *Scheduler) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *Scheduler) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, event)
	}
}
