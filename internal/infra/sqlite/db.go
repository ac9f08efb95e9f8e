// Package sqlite is the relational backing store for creditgate.
// It owns the schema and every atomic read-check-write the ledger,
// session manager and payment reconciler rely on.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/applypilot/creditgate/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "creditgate.db"

// Options tunes the connection pool.
type Options struct {
	BusyTimeout  time.Duration // how long a writer waits on the lock (default 5s)
	MaxOpenConns int           // default 1
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// DB wraps the SQLite connection pool.
type DB struct {
	db   *sql.DB
	path string
}

// Compile-time interface checks.
var (
	_ domain.CreditStore       = (*DB)(nil)
	_ domain.SessionStore      = (*DB)(nil)
	_ domain.SubscriptionStore = (*DB)(nil)
)

// Open opens (or creates) the database in dir with default options.
func Open(dir string) (*DB, error) {
	return OpenWithOptions(dir, DefaultOptions())
}

// OpenWithOptions opens (or creates) the database in dir and runs migrations.
func OpenWithOptions(dir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultOptions().MaxOpenConns
	}

	path := filepath.Join(dir, FileName)
	// _txlock=immediate: every transaction takes the write lock up front so
	// read-check-write sequences never upgrade a shared lock mid-flight.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)

	db := &DB{db: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the connection pool.
func (db *DB) Close() error { return db.db.Close() }

// Ping checks database connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return storeErr("ping", db.db.PingContext(ctx))
}

// migrate applies every schema statement. All statements are idempotent.
func (db *DB) migrate() error {
	groups := [][]string{
		CreditMigrations(),
		SessionMigrations(),
		SubscriptionMigrations(),
	}
	for _, stmts := range groups {
		for _, stmt := range stmts {
			if _, err := db.db.Exec(stmt); err != nil {
				return fmt.Errorf("exec %.40q: %w", stmt, err)
			}
		}
	}
	return nil
}

// withTx runs fn inside a write transaction, committing on nil error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

// storeErr wraps infrastructure failures. Timeouts and lock contention
// become domain.ErrStoreUnavailable so callers can retry; domain errors
// pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isBusy(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func isBusy(err error) bool {
	code := sqliteCode(err)
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isConstraint(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT
}

// ─── Time Encoding ──────────────────────────────────────────────────────────
// Timestamps are stored as unix milliseconds so comparisons happen in SQL.

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
