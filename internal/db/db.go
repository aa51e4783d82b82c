// Package db provides the on-device SQLite store for fiskalni.
//
// This package implements the Local Store of the sync engine: one table per
// entity kind holding the record as a JSON document plus the columns the
// engine queries on (sync status, update time, and a device's receipt id),
// the outbound change queue, and a small key/value table for sync
// bookkeeping.
//
// The database runs embedded (github.com/ncruces/go-sqlite3) in WAL mode.
// Transactions begin IMMEDIATE, so a read-check-write sequence inside WithTx
// cannot interleave with another writer.
//
// Architecture:
//   - Database file: $XDG_DATA_HOME/fiskalni/local.db
//   - Tables: receipts, devices, household_bills, sync_queue, sync_state
//   - Indexes: sync_status per table, devices.receipt_id, queue order
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a queue entry or state key does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of database/sql used by the store functions.
// Both *sql.DB and *sql.Tx satisfy it, as does *DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection pool of the local store.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created; call InitSchema before use.
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("local.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// dsn builds the connection string. Pragmas go in the DSN so every pooled
// connection gets them, not only the first.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "foreign_keys(on)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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

// ExecContext implements Querier.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside one transaction, committing on success and rolling
// back on error or panic. fn must use q, not db, for every statement.
//
//	err := store.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
//	    return db.DeleteMany(ctx, q, schema.EntityDevice, ids)
//	})
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	return fn(ctx, tx)
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		id INTEGER PRIMARY KEY,
		sync_status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL  -- JSON document
	);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY,
		sync_status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		receipt_id INTEGER,  -- weak reference, no FOREIGN KEY on purpose
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS household_bills (
		id INTEGER PRIMARY KEY,
		sync_status TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		operation TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(sync_status);
	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(sync_status);
	CREATE INDEX IF NOT EXISTS idx_devices_receipt ON devices(receipt_id);
	CREATE INDEX IF NOT EXISTS idx_bills_status ON household_bills(sync_status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
