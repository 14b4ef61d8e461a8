package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stepforge/stepforge/internal/cache"
	"github.com/stepforge/stepforge/internal/database"
	"github.com/stepforge/stepforge/internal/registry"
)

// requester is the registry.Requester handed to one task body execution.
// It records every requested dependency, grouped per Need call, which is
// exactly the set the resulting record must carry — never a superset or
// subset.
type requester struct {
	s     *Scheduler
	key   registry.Key
	stack []database.ID // call path including this task's own ID

	mu     sync.Mutex
	groups [][]database.ID
	fps    []string // fingerprint per dependency, in request order
	keys   []registry.Key
}

var _ registry.Requester = (*requester)(nil)

// Need resolves the given keys as one dependency group, in parallel. The
// calling body suspends (releasing its worker slot) until all of them
// settle, and resumes with their values in key order.
func (r *requester) Need(ctx context.Context, keys ...registry.Key) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ids := make([]database.ID, len(keys))
	results := make([]*database.Result, len(keys))

	r.s.pool.release()
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			if err := r.s.pool.acquire(gctx); err != nil {
				return err
			}
			defer r.s.pool.release()

			res, err := r.s.need(gctx, r.stack, key)
			if err != nil {
				return err
			}
			id, ok := r.s.db.LookupID(key)
			if !ok {
				return fmt.Errorf("dependency %s vanished from the intern table", key.String())
			}
			ids[i] = id
			results[i] = res
			return nil
		})
	}
	err := g.Wait()
	r.s.pool.acquireBlocking()
	if err != nil {
		return nil, err
	}

	values := make([][]byte, len(keys))
	fps := make([]string, len(keys))
	for i, res := range results {
		values[i] = res.Value
		fps[i] = cache.Fingerprint(res.Value)
	}

	r.mu.Lock()
	r.groups = append(r.groups, ids)
	r.fps = append(r.fps, fps...)
	r.keys = append(r.keys, keys...)
	r.mu.Unlock()

	return values, nil
}

// Created records side-effect key creations for the lint pass.
func (r *requester) Created(keys ...registry.Key) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, key := range keys {
		r.s.created = append(r.s.created, CreatedPair{Parent: r.key, Created: key})
	}
}

// After defers an action to run once the whole build settles.
func (r *requester) After(fn func(ctx context.Context) error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.after = append(r.s.after, fn)
}

// fingerprints returns the content hashes of all dependencies, request order.
func (r *requester) fingerprints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fps...)
}

// depKeys returns all dependency keys, request order.
func (r *requester) depKeys() []registry.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.Key(nil), r.keys...)
}
