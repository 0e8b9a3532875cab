// Package sqlite provides the router's durable storage: the external
// reassembly buffer and the encrypted row table.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// DB wraps the sqlite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	handle.SetMaxOpenConns(1)

	db := &DB{db: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// migrations returns the schema statements. Each string is a single SQL
// statement (sqlite executes one at a time).
func migrations() []string {
	return []string{
		// External reassembly buffer parts
		`CREATE TABLE IF NOT EXISTS reassembly_parts (
			session_id TEXT NOT NULL,
			stream_id  TEXT NOT NULL,
			msg_seq    INTEGER NOT NULL,
			frag_seq   INTEGER NOT NULL,
			data       TEXT NOT NULL,
			is_last    INTEGER NOT NULL DEFAULT 0,
			is_binary  INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, stream_id, msg_seq, frag_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reassembly_updated ON reassembly_parts(updated_at)`,

		// Encrypted rows
		`CREATE TABLE IF NOT EXISTS encrypted_rows (
			row_id        TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			key_version   TEXT NOT NULL,
			wrapped_dek   TEXT NOT NULL,
			encrypted_data TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_tenant ON encrypted_rows(tenant_id, key_version)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
