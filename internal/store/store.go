// Package store manages the SQLite database (WAL mode) that holds the
// pendant's persisted settings.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlNetSettings,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

// net_settings holds at most one row (id = 1). Column defaults are the
// factory settings so a partial insert yields a complete record.
const ddlNetSettings = `
CREATE TABLE IF NOT EXISTS net_settings (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    ssid            TEXT    NOT NULL DEFAULT '',
    password        TEXT    NOT NULL DEFAULT '',
    host            TEXT    NOT NULL DEFAULT 'fluidnc.local',
    port            INTEGER NOT NULL DEFAULT 81,
    transport       TEXT    NOT NULL DEFAULT 'ws',     -- 'ws' | 'tcp'
    connection_type TEXT    NOT NULL DEFAULT '',       -- '' | 'Serial' | 'WiFi'
    updated_at      INTEGER NOT NULL DEFAULT 0         -- Unix seconds
);
`
