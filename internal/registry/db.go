// Package registry records daemon history: kernel installs, subscription
// fetches and kernel state transitions.
// Uses pure-Go SQLite (modernc.org/sqlite), no cgo required.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite history database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; hooks fire from several goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	rdb := &DB{db: db}
	if err := rdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return rdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS installs (
			id          TEXT PRIMARY KEY,
			version     TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			binary_path TEXT NOT NULL DEFAULT '',
			bytes       INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			url         TEXT NOT NULL,
			bytes       INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			fetched_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kernel_transitions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			state       TEXT NOT NULL,
			run_id      TEXT NOT NULL DEFAULT '',
			pid         INTEGER NOT NULL DEFAULT 0,
			exit_code   INTEGER,
			error       TEXT NOT NULL DEFAULT '',
			at          TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
