// Package database is the persistent dependency database: the append-only
// key intern table, the per-ID status map, the build step counter, and the
// SQLite-backed snapshot-plus-journal persistence underneath them.
//
// On-disk layout: the snapshot table holds one compacted record per ID; the
// journal table is an append-only sequence of (id, record) writes replayed
// last-write-wins on load. A journal append is committed before the
// corresponding in-memory Ready transition becomes visible, so a crash never
// leaves the disk more advanced than what the user observed. Individual
// records that fail to decode, or whose type version no longer matches the
// registry, degrade that single ID to Missing instead of aborting the load.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stepforge/stepforge/internal/registry"
	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	// Path is the database file location. Parent directories are created.
	Path string

	// Registry supplies per-type versions for record invalidation on load
	// and journal writes. A nil registry keeps every decodable record, which
	// is what the read-only introspection CLI wants.
	Registry *registry.Registry

	Logger *slog.Logger
}

// DB is the persistent dependency database. A single coarse mutex guards the
// intern table, the status map and the step counter; the SQLite handle does
// its own serialization underneath.
type DB struct {
	mu     sync.Mutex
	sql    *sql.DB
	log    *slog.Logger
	reg    *registry.Registry
	ids    map[registry.Key]ID
	keys   map[ID]registry.Key
	status map[ID]*Status
	// versions records the type version each live record was loaded or
	// journaled with. Compaction writes these back verbatim, so a
	// registry-less open (the introspection CLI) never rewrites versions
	// it cannot derive.
	versions map[ID]int
	step     Step
}

// persistedResult is the journal/snapshot record layout. The value bytes are
// opaque to the database; only the registry's codec understands them.
type persistedResult struct {
	Value   []byte `json:"value"`
	Built   Step   `json:"built"`
	Changed Step   `json:"changed"`
	Deps    [][]ID `json:"deps,omitempty"`
	TookNS  int64  `json:"took_ns"`
	Trace   string `json:"trace,omitempty"`
}

// Open loads the snapshot, replays the journal last-write-wins, and
// reconstructs the intern table and status map in memory. Every surviving
// record comes up as Loaded with its prior result as a recomputation hint.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database: no path configured")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("database: creating parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", opts.Path)
	sqldb, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("database: opening %s: %w", opts.Path, err)
	}

	return open(ctx, sqldb, opts)
}

// OpenMemory creates an in-memory database for testing. Uses a shared cache
// so multiple connections see the same database.
func OpenMemory(ctx context.Context, reg *registry.Registry) (*DB, error) {
	sqldb, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("database: opening memory database: %w", err)
	}
	return open(ctx, sqldb, Options{Registry: reg})
}

func open(ctx context.Context, sqldb *sql.DB, opts Options) (*DB, error) {
	// A single connection keeps journal appends strictly ordered.
	sqldb.SetMaxOpenConns(1)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &DB{
		sql:      sqldb,
		log:      log,
		reg:      opts.Registry,
		ids:      make(map[registry.Key]ID),
		keys:     make(map[ID]registry.Key),
		status:   make(map[ID]*Status),
		versions: make(map[ID]int),
	}

	if err := d.initSchema(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("database: initializing schema: %w", err)
	}
	if err := d.load(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	return d, nil
}

// load reconstructs in-memory state: step counter, intern table, then the
// snapshot followed by the journal in append order, last write winning.
func (d *DB) load(ctx context.Context) error {
	row := d.sql.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'step'`)
	var step int64
	switch err := row.Scan(&step); err {
	case nil:
		d.step = Step(step)
	case sql.ErrNoRows:
		d.step = 0
	default:
		return fmt.Errorf("database: reading step counter: %w", err)
	}

	rows, err := d.sql.QueryContext(ctx, `SELECT id, type, name FROM keys ORDER BY id`)
	if err != nil {
		return fmt.Errorf("database: reading intern table: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var typ, name string
		if err := rows.Scan(&id, &typ, &name); err != nil {
			return fmt.Errorf("database: scanning intern table: %w", err)
		}
		key := registry.Key{Type: typ, Name: name}
		d.ids[key] = ID(id)
		d.keys[ID(id)] = key
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("database: reading intern table: %w", err)
	}

	if err := d.loadRecords(ctx, `SELECT id, version, record FROM snapshot ORDER BY id`); err != nil {
		return err
	}
	return d.loadRecords(ctx, `SELECT id, version, record FROM journal ORDER BY seq`)
}

func (d *DB) loadRecords(ctx context.Context, query string) error {
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("database: reading records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var version int64
		var record []byte
		if err := rows.Scan(&id, &version, &record); err != nil {
			return fmt.Errorf("database: scanning record: %w", err)
		}
		d.applyRecord(ID(id), int(version), record)
	}
	return rows.Err()
}

// applyRecord installs one persisted record, degrading to Missing on any
// per-record problem: unknown ID, undecodable bytes, or a version mismatch
// against the registry's current version for the type.
func (d *DB) applyRecord(id ID, version int, record []byte) {
	key, ok := d.keys[id]
	if !ok {
		d.log.Warn("database: record for unknown id, dropping", "id", int64(id))
		return
	}

	if d.reg != nil {
		if current := d.reg.Version(key.Type); current >= 0 && current != version {
			d.log.Debug("database: task type version changed, invalidating",
				"key", key.String(), "recorded", version, "current", current)
			delete(d.status, id)
			delete(d.versions, id)
			return
		}
	}

	var pr persistedResult
	if err := json.Unmarshal(record, &pr); err != nil {
		d.log.Warn("database: invalid persisted record, degrading to missing",
			"key", key.String(), "error", err)
		delete(d.status, id)
		delete(d.versions, id)
		return
	}

	d.versions[id] = version
	d.status[id] = &Status{
		Kind: Loaded,
		Result: &Result{
			Value:   pr.Value,
			Built:   pr.Built,
			Changed: pr.Changed,
			Deps:    pr.Deps,
			Took:    time.Duration(pr.TookNS),
			Trace:   pr.Trace,
		},
	}
}

// Journal durably appends one result record. The caller transitions the
// in-memory status to Ready only after Journal returns, upholding the
// crash-consistency invariant.
func (d *DB) Journal(ctx context.Context, id ID, res *Result) error {
	d.mu.Lock()
	key, ok := d.keys[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("database: journal for unknown id %d", int64(id))
	}
	version := d.versions[id]
	if d.reg != nil {
		if v := d.reg.Version(key.Type); v >= 0 {
			version = v
		}
	}
	d.versions[id] = version
	d.mu.Unlock()

	record, err := json.Marshal(persistedResult{
		Value:   res.Value,
		Built:   res.Built,
		Changed: res.Changed,
		Deps:    res.Deps,
		TookNS:  int64(res.Took),
		Trace:   res.Trace,
	})
	if err != nil {
		return fmt.Errorf("database: encoding record for %s: %w", key.String(), err)
	}

	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO journal (id, version, record) VALUES (?, ?, ?)`,
		int64(id), version, record)
	if err != nil {
		return fmt.Errorf("database: appending journal record for %s: %w", key.String(), err)
	}
	return nil
}

// Compact rewrites the snapshot from the current live results and truncates
// the journal. The intern table is rewritten wholesale only in the sense
// that stale snapshot rows are replaced; IDs are never renumbered.
func (d *DB) Compact(ctx context.Context) error {
	d.mu.Lock()
	live := make(map[ID]*persistedResult)
	versions := make(map[ID]int)
	for id, st := range d.status {
		if st.Result == nil || (st.Kind != Ready && st.Kind != Loaded) {
			continue
		}
		live[id] = &persistedResult{
			Value:   st.Result.Value,
			Built:   st.Result.Built,
			Changed: st.Result.Changed,
			Deps:    st.Result.Deps,
			TookNS:  int64(st.Result.Took),
			Trace:   st.Result.Trace,
		}
		// Write back the version the record was loaded or journaled with,
		// never a re-derived one: a registry-less open must not rewrite
		// versions it cannot know.
		versions[id] = d.versions[id]
	}
	d.mu.Unlock()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: starting compaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot`); err != nil {
		return fmt.Errorf("database: clearing snapshot: %w", err)
	}
	for id, pr := range live {
		record, err := json.Marshal(pr)
		if err != nil {
			return fmt.Errorf("database: encoding snapshot record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot (id, version, record) VALUES (?, ?, ?)`,
			int64(id), versions[id], record); err != nil {
			return fmt.Errorf("database: writing snapshot record: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM journal`); err != nil {
		return fmt.Errorf("database: truncating journal: %w", err)
	}
	return tx.Commit()
}

// Close compacts the journal into the snapshot and closes the underlying
// database. Use CloseNow to skip compaction (simulating an unclean stop).
func (d *DB) Close(ctx context.Context) error {
	if err := d.Compact(ctx); err != nil {
		d.sql.Close()
		return err
	}
	return d.sql.Close()
}

// CloseNow closes the underlying handle without compacting.
func (d *DB) CloseNow() error {
	return d.sql.Close()
}
