// Package sqlite provides SQLite-based persistent storage for immunet:
// detector snapshots, reported anomalies and rolled-over statistics.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Detector/statistics snapshots, newest wins on startup
		`CREATE TABLE IF NOT EXISTS snapshots (
			id              TEXT PRIMARY KEY,
			elapsed_minutes INTEGER NOT NULL,
			path            TEXT NOT NULL DEFAULT '',
			stat_count      INTEGER NOT NULL,
			detector_count  INTEGER NOT NULL,
			data            BLOB NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at)`,

		// Payload windows matched by a detector
		`CREATE TABLE IF NOT EXISTS pack_anomalies (
			id          TEXT PRIMARY KEY,
			interface   TEXT NOT NULL,
			source      TEXT NOT NULL,
			destination TEXT NOT NULL,
			protocol    TEXT NOT NULL,
			pattern     BLOB NOT NULL,
			detector    BLOB NOT NULL,
			length      INTEGER NOT NULL,
			distance    INTEGER NOT NULL,
			detected_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pack_anomalies_detected ON pack_anomalies(detected_at)`,

		// Statistics vectors outside the learned space
		`CREATE TABLE IF NOT EXISTS stat_anomalies (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			dimension   INTEGER NOT NULL,
			value       INTEGER NOT NULL,
			k           INTEGER NOT NULL,
			space       BLOB,
			left_range  BLOB,
			right_range BLOB,
			detected_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stat_anomalies_detected ON stat_anomalies(detected_at)`,

		// One row per statistics collection period
		`CREATE TABLE IF NOT EXISTS stat_snapshots (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at  INTEGER NOT NULL,
			anomalous BOOLEAN NOT NULL DEFAULT 0,
			vector    BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stat_snapshots_taken ON stat_snapshots(taken_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixMilli(ms int64) time.Time { return time.UnixMilli(ms) }

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
