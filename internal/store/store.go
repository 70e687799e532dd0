// Package store provides the embedded SQLite storage layer for tasknest.
//
// The database runs in embedded mode (ncruces/go-sqlite3) with WAL enabled so
// readers are never blocked by the sync daemon's writes.
//
// All mutation is transaction-scoped: callers go through WithTx, which runs
// the body, then the registered commit sweep (the consistency pass that
// demotes tasks whose external support disappeared), and only then commits.
// A failure at any point rolls the whole transaction back, so readers never
// observe a half-renumbered ordered list or a stale open task.
//
// Schema layout: one table per ordered entity kind (contexts, projects,
// sections, items) with a UNIQUE(owner_id, idx) constraint; task_info keyed
// by item id; list_membership keyed by (item_id, list_id); entities keyed by
// (service, account_id, natural_key).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// The ordering and task packages take a Querier so their operations compose
// into whatever transaction the caller holds.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SweepFunc is the consistency sweep run inside every mutating transaction
// just before commit. It is injected at startup (see syncd) to avoid a
// package cycle between the store and the task state machine.
type SweepFunc func(ctx context.Context, q Querier) error

// DB wraps the SQLite connection with tasknest-specific functionality.
type DB struct {
	conn  *sql.DB
	path  string
	sweep SweepFunc
}

// Open creates a database connection at path, creating the parent directory
// and the file as needed. The caller must Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the one that happens to run an Exec.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection for read-only queries that
// do not need a transaction.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// SetCommitSweep installs the consistency sweep run at the end of every
// WithTx transaction. Passing nil disables the sweep (tests of the ordering
// layer do this).
func (db *DB) SetCommitSweep(fn SweepFunc) {
	db.sweep = fn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// WithTx runs fn inside a transaction, then the commit sweep, then commits.
// Any error rolls the whole transaction back.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if db.sweep != nil {
		if err := db.sweep(ctx, tx); err != nil {
			return fmt.Errorf("commit sweep failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Ordered hierarchy: context -> project -> section -> item.
	-- For each owner the live non-negative indices are exactly 0..n-1.
	CREATE TABLE IF NOT EXISTS contexts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,     -- user id
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, idx)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,     -- context id
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, idx)
	);

	CREATE TABLE IF NOT EXISTS sections (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,     -- project id, or user id for the inbox
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, idx)
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,     -- section id
		idx INTEGER NOT NULL,
		summary TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		snoozed_until TEXT,
		UNIQUE (owner_id, idx)
	);

	-- Optional one-to-one task state. Absence means "not a task".
	CREATE TABLE IF NOT EXISTS task_info (
		item_id TEXT PRIMARY KEY,
		controller TEXT NOT NULL,
		due TEXT,
		done TEXT,
		manual_due TEXT,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);

	-- Type-specific detail row, keyed by the item's kind.
	CREATE TABLE IF NOT EXISTS item_details (
		item_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		has_task_state INTEGER NOT NULL DEFAULT 0,
		due TEXT,
		done TEXT,
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);

	-- External saved lists and their membership history. Membership rows are
	-- never deleted when an item leaves a list; present flips to 0.
	CREATE TABLE IF NOT EXISTS lists (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		due_offset_secs INTEGER
	);

	CREATE TABLE IF NOT EXISTS list_membership (
		item_id TEXT NOT NULL,
		list_id TEXT NOT NULL,
		present INTEGER NOT NULL DEFAULT 0,
		due TEXT,
		PRIMARY KEY (item_id, list_id),
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE,
		FOREIGN KEY (list_id) REFERENCES lists(id) ON DELETE CASCADE
	);

	-- Local mirror of remote records, keyed by natural key per account.
	CREATE TABLE IF NOT EXISTS entities (
		service TEXT NOT NULL,
		account_id TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		item_id TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (service, account_id, natural_key),
		FOREIGN KEY (item_id) REFERENCES items(id) ON DELETE CASCADE
	);

	-- Per-account sync bookkeeping for the status command.
	CREATE TABLE IF NOT EXISTS sync_state (
		account_id TEXT PRIMARY KEY,
		last_sync_at TEXT,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner_id);
	CREATE INDEX IF NOT EXISTS idx_task_info_controller ON task_info(controller);
	CREATE INDEX IF NOT EXISTS idx_membership_list ON list_membership(list_id);
	CREATE INDEX IF NOT EXISTS idx_membership_present ON list_membership(item_id, present);
	CREATE INDEX IF NOT EXISTS idx_entities_item ON entities(item_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// CheckpointWAL forces a WAL checkpoint. Used after large imports.
func (db *DB) CheckpointWAL(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// TimeToNull converts a time pointer to a nullable RFC 3339 string for SQL.
func TimeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// NullToTime converts a nullable SQL string back to a time pointer.
func NullToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
