package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotInitialized is returned by every operation on a store that was
	// never opened or has been closed.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrConstraintViolation is returned when an insert collides with an
	// existing primary key or unique column. Callers fall back to an update.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrMigrationFailed is returned when the schema cannot be brought up to
	// date. Callers rebuild the store.
	ErrMigrationFailed = errors.New("migration failed")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

// DB wraps a SQLite database connection for the app-owned relay.db.
type DB struct {
	*sql.DB
	closed atomic.Bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The pool is capped at one connection so the store is the single writer and
// the only lock boundary.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Close marks the store closed and releases the connection.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if db.closed.Swap(true) {
		return nil
	}
	return db.DB.Close()
}

func (db *DB) ready() error {
	if db == nil || db.DB == nil || db.closed.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Tx runs fn inside a single transaction. Any error returned by fn, or a
// panic, rolls back every statement fn executed.
func (db *DB) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := db.ready(); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// mapError converts sqlite unique and primary key violations into
// ErrConstraintViolation.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
