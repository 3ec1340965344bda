// Package spool provides the SQLite-backed local working set: strokes
// waiting for or surviving reconciliation, the pass journal, and the
// ledger of already-ingested batch files.
package spool

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS strokes (
	page_key   TEXT NOT NULL,
	id         TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER NOT NULL DEFAULT 0,
	points     TEXT NOT NULL DEFAULT '[]',
	block_uuid TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (page_key, id)
);

CREATE INDEX IF NOT EXISTS idx_strokes_pending ON strokes(page_key, block_uuid, deleted);

CREATE TABLE IF NOT EXISTS passes (
	id              TEXT PRIMARY KEY,
	page_key        TEXT NOT NULL,
	state           TEXT NOT NULL,
	no_op           INTEGER NOT NULL DEFAULT 0,
	created         INTEGER NOT NULL DEFAULT 0,
	updated         INTEGER NOT NULL DEFAULT 0,
	preserved       INTEGER NOT NULL DEFAULT 0,
	deleted_strokes INTEGER NOT NULL DEFAULT 0,
	chunks          INTEGER NOT NULL DEFAULT 0,
	unassigned      INTEGER NOT NULL DEFAULT 0,
	errors          TEXT NOT NULL DEFAULT '[]',
	warnings        TEXT NOT NULL DEFAULT '[]',
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_passes_page ON passes(page_key, started_at);

CREATE TABLE IF NOT EXISTS batches (
	checksum    TEXT PRIMARY KEY,
	page_key    TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB wraps a sql.DB with spool-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("spool: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spool: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
