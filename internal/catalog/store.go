// Package catalog provides the SQLite-backed catalog store shared by all
// foliofox subsystems, along with its schema migrations.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap update lost its race.
var ErrConflict = errors.New("conflicting concurrent update")

// Store is the catalog database handle. It embeds sqlx.DB, so callers use
// the usual Get / Select / Exec surface directly.
type Store struct {
	*sqlx.DB
	path string

	// exclusive marks an advisory maintenance session. Writers that can
	// defer work (the download scheduler) check it before starting more.
	exclusive atomic.Bool
}

// Options tune the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultOptions mirror the pool sizing of the hosted deployment.
func DefaultOptions() Options {
	return Options{MaxOpenConns: 25, MaxIdleConns: 5}
}

// Open opens (creating if needed) the catalog at |path| with foreign keys
// enforced and WAL journaling, and applies any pending migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	var dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", path, err)
	}

	// An in-memory database exists per-connection. Pin the pool to one
	// connection so every query sees the same database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging catalog %s: %w", path, err)
	}

	var store = &Store{DB: db, path: path}
	if err = store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"path": path}).Info("opened catalog")
	return store, nil
}

// Path returns the filesystem path the store was opened with.
func (s *Store) Path() string { return s.path }

// BeginExclusive opens an advisory exclusive session for destructive
// maintenance (VACUUM, REINDEX). It does not lock the database; it asks
// cooperating writers to hold off.
func (s *Store) BeginExclusive() { s.exclusive.Store(true) }

// EndExclusive closes the advisory exclusive session.
func (s *Store) EndExclusive() { s.exclusive.Store(false) }

// ExclusiveHeld reports whether an exclusive maintenance session is open.
func (s *Store) ExclusiveHeld() bool { return s.exclusive.Load() }

// WithTx runs |fn| inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithFields(log.Fields{"error": rbErr}).Error("rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SizeBytes reports the database file size as page_count * page_size.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return 0, fmt.Errorf("reading page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// FragmentationPct reports the share of freelist pages in the file.
func (s *Store) FragmentationPct(ctx context.Context) (float64, error) {
	var pageCount, freePages int64
	if err := s.GetContext(ctx, &pageCount, "PRAGMA page_count"); err != nil {
		return 0, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.GetContext(ctx, &freePages, "PRAGMA freelist_count"); err != nil {
		return 0, fmt.Errorf("reading freelist_count: %w", err)
	}
	if pageCount == 0 {
		return 0, nil
	}
	return float64(freePages) / float64(pageCount) * 100, nil
}

// LogEvent appends a row to system_logs. Failures are logged, not returned:
// audit rows never block the operation that produced them.
func (s *Store) LogEvent(ctx context.Context, level, component, message, details string) {
	var _, err = s.ExecContext(ctx,
		`INSERT INTO system_logs (level, component, message, details) VALUES (?, ?, ?, ?)`,
		level, component, message, details)
	if err != nil {
		log.WithFields(log.Fields{
			"component": component,
			"error":     err,
		}).Warn("failed to persist system log event")
	}
}
