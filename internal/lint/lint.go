// Package lint is the optional post-build consistency pass. It runs two
// independent, read-only checks over the database: a staleness check (does
// every recorded value still match the real world?) and an
// untracked-creation check (did a task create a key that someone else
// legitimately tracks, without declaring the dependency?). Findings are
// aggregated into one error per check so a thousand offenders produce one
// report, not a thousand.
package lint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/registry"
	"github.com/stepforge/stepforge/internal/scheduler"
)

// StaleError aggregates every key whose recorded value no longer matches a
// fresh dirty-check of its real-world state: something external modified the
// output after the engine last validated it.
type StaleError struct {
	Keys []registry.Key
}

func (e *StaleError) Error() string {
	parts := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		parts[i] = k.String()
	}
	return fmt.Sprintf("%d stale values, modified outside the build: %s",
		len(e.Keys), strings.Join(parts, ", "))
}

// UntrackedError aggregates every key created as a side effect of one task
// while being tracked as a real dependency elsewhere: a missing dependency
// declaration in the creating task's body.
type UntrackedError struct {
	Pairs []scheduler.CreatedPair
}

func (e *UntrackedError) Error() string {
	parts := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		parts[i] = fmt.Sprintf("%s created by %s", p.Created.String(), p.Parent.String())
	}
	return fmt.Sprintf("%d untracked dependencies: %s", len(e.Pairs), strings.Join(parts, ", "))
}

// Check runs both lint checks. It never mutates status; the database is used
// strictly read-only. The returned error joins one StaleError and/or one
// UntrackedError, or is nil when the build is clean.
func Check(ctx context.Context, db *database.DB, reg *registry.Registry, created []scheduler.CreatedPair) error {
	stale, err := checkStale(ctx, db, reg)
	if err != nil {
		return err
	}
	var staleErr error
	if stale != nil {
		staleErr = stale
	}
	return errors.Join(staleErr, checkUntracked(db, created))
}

// checkStale re-evaluates the dirty predicate of every live key, in
// parallel, and reports offenders in dependency order.
func checkStale(ctx context.Context, db *database.DB, reg *registry.Registry) (*StaleError, error) {
	live, err := db.Live()
	if err != nil {
		return nil, fmt.Errorf("lint: %w", err)
	}

	var (
		mu    sync.Mutex
		stale = make(map[registry.Key]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, lk := range live {
		tt, ok := reg.Get(lk.Key.Type)
		if !ok || tt.Dirty == nil {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			dirty, err := tt.Dirty(lk.Key, lk.Result.Value)
			if err != nil {
				// An unreadable value is as stale as a changed one.
				dirty = true
			}
			if dirty {
				mu.Lock()
				stale[lk.Key] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(stale) == 0 {
		return nil, nil
	}
	// Report in the dependency order Live already established.
	serr := &StaleError{}
	for _, lk := range live {
		if stale[lk.Key] {
			serr.Keys = append(serr.Keys, lk.Key)
		}
	}
	return serr, nil
}

// checkUntracked flags created keys that are interned with a tracked result
// and not declared as a dependency by the creating task.
func checkUntracked(db *database.DB, created []scheduler.CreatedPair) error {
	var offenders []scheduler.CreatedPair

	for _, pair := range created {
		id, ok := db.LookupID(pair.Created)
		if !ok {
			continue // never referenced as a task, just a side effect
		}
		if _, tracked := db.ResultOf(id); !tracked {
			continue
		}
		if declared(db, pair.Parent, id) {
			continue
		}
		offenders = append(offenders, pair)
	}

	if len(offenders) == 0 {
		return nil
	}
	return &UntrackedError{Pairs: offenders}
}

// declared reports whether parent's recorded dependency set includes id.
func declared(db *database.DB, parent registry.Key, id database.ID) bool {
	pid, ok := db.LookupID(parent)
	if !ok {
		return false
	}
	res, ok := db.ResultOf(pid)
	if !ok {
		return false
	}
	for _, dep := range res.Flat() {
		if dep == id {
			return true
		}
	}
	return false
}
