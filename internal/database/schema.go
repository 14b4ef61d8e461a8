package database

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		k TEXT PRIMARY KEY,
		v INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (type, name)
	);

	CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		record BLOB NOT NULL,
		FOREIGN KEY (id) REFERENCES keys(id)
	);

	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		record BLOB NOT NULL,
		FOREIGN KEY (id) REFERENCES keys(id)
	);

	CREATE INDEX IF NOT EXISTS idx_journal_id ON journal(id);
	`

	_, err := d.sql.ExecContext(ctx, schema)
	return err
}
