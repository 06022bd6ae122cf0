package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all dispatcher tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id          INTEGER PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL DEFAULT 'RUNNING',
		graph       TEXT NOT NULL,
		state_blob  TEXT NOT NULL,
		tasks       TEXT NOT NULL DEFAULT '[]',
		policy      TEXT NOT NULL DEFAULT '{}',
		error       TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state)`,

	`CREATE TABLE IF NOT EXISTS processors (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		hostname      TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'online',
		cores         TEXT NOT NULL DEFAULT '[]',
		last_seen     TEXT NOT NULL,
		registered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processors_state ON processors(state)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
