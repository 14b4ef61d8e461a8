package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/stepforge/stepforge/internal/registry"
)

// Intern resolves a key to its dense ID, allocating one on first reference.
// New IDs are written to the intern table immediately; the table is only
// ever appended to.
func (d *DB) Intern(ctx context.Context, key registry.Key) (ID, error) {
	d.mu.Lock()
	if id, ok := d.ids[key]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	// INSERT OR IGNORE plus a read-back keeps this safe when two requesters
	// race to intern the same new key.
	_, err := d.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO keys (type, name) VALUES (?, ?)`, key.Type, key.Name)
	if err != nil {
		return 0, fmt.Errorf("database: interning %s: %w", key.String(), err)
	}
	var raw int64
	row := d.sql.QueryRowContext(ctx,
		`SELECT id FROM keys WHERE type = ? AND name = ?`, key.Type, key.Name)
	if err := row.Scan(&raw); err != nil {
		return 0, fmt.Errorf("database: interning %s: %w", key.String(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another requester may have raced us through the insert.
	if id, ok := d.ids[key]; ok {
		return id, nil
	}
	id := ID(raw)
	d.ids[key] = id
	d.keys[id] = key
	return id, nil
}

// LookupID returns the ID for a key without interning it.
func (d *DB) LookupID(key registry.Key) (ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.ids[key]
	return id, ok
}

// KeyOf returns the key for an interned ID.
func (d *DB) KeyOf(id ID) (registry.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.keys[id]
	return key, ok
}

// Access runs f with mutable access to the status entry for id, holding the
// database lock for the duration. All status transitions go through here so
// that inspect-and-transition sequences are atomic.
func (d *DB) Access(id ID, f func(st *Status)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.status[id]
	if !ok {
		st = &Status{Kind: Missing}
		d.status[id] = st
	}
	f(st)
}

// KindOf returns the current status kind for id.
func (d *DB) KindOf(id ID) StatusKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.status[id]; ok {
		return st.Kind
	}
	return Missing
}

// ResultOf returns a copy of the last known result (Ready or Loaded) for id.
func (d *DB) ResultOf(id ID) (*Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.status[id]
	if !ok || st.Result == nil {
		return nil, false
	}
	return st.Result.Clone(), true
}

// Step returns the current build generation.
func (d *DB) Step() Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step
}

// AdvanceStep increments and persists the step counter. It is called exactly
// once per run, before any scheduling begins.
func (d *DB) AdvanceStep(ctx context.Context) (Step, error) {
	d.mu.Lock()
	next := d.step + 1
	d.mu.Unlock()

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO meta (k, v) VALUES ('step', ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		uint64(next))
	if err != nil {
		return 0, fmt.Errorf("database: persisting step counter: %w", err)
	}

	d.mu.Lock()
	d.step = next
	d.mu.Unlock()
	return next, nil
}

// Reset prepares for a fresh run without discarding history: every Ready,
// Failed and stuck Running entry is demoted to Loaded, carrying the old
// value forward as a recomputation hint. Entries with no value to carry
// become Missing.
func (d *DB) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, st := range d.status {
		switch st.Kind {
		case Ready, Failed, Running:
			if st.Result == nil {
				delete(d.status, id)
				continue
			}
			st.Kind = Loaded
			st.Err = nil
			st.Waiters = nil
		}
	}
}

// RunningIDs returns every ID still marked Running. After the pool drains
// this must be empty; anything left indicates a scheduler bug or an
// unsupported recursive pattern.
func (d *DB) RunningIDs() []ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []ID
	for id, st := range d.status {
		if st.Kind == Running {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Live returns every key with a usable result (Ready or Loaded), ordered so
// that dependencies come before their dependents. IDs outside the recorded
// dependency graph sort by allocation order.
func (d *DB) Live() ([]LiveKey, error) {
	d.mu.Lock()
	byID := make(map[ID]LiveKey)
	var edges []toposort.Edge
	for id, st := range d.status {
		if st.Result == nil || (st.Kind != Ready && st.Kind != Loaded) {
			continue
		}
		byID[id] = LiveKey{ID: id, Key: d.keys[id], Result: st.Result.Clone()}
	}
	for id, lk := range byID {
		deps := lk.Result.Flat()
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			if _, ok := byID[dep]; ok {
				edges = append(edges, toposort.Edge{dep, id})
			} else {
				edges = append(edges, toposort.Edge{nil, id})
			}
		}
	}
	d.mu.Unlock()

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("database: ordering live keys: %w", err)
	}

	live := make([]LiveKey, 0, len(byID))
	seen := make(map[ID]bool)
	for _, v := range sorted {
		if v == nil {
			continue
		}
		id := v.(ID)
		if lk, ok := byID[id]; ok && !seen[id] {
			live = append(live, lk)
			seen[id] = true
		}
	}
	// Anything the edge set missed sorts by allocation order.
	var rest []LiveKey
	for id, lk := range byID {
		if !seen[id] {
			rest = append(rest, lk)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	return append(live, rest...), nil
}
