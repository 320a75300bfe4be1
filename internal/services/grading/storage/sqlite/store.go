package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/gradebook/internal/services/grading/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Immediate transactions take the write lock at BEGIN so a second appender
// waits on busy_timeout instead of failing on lock upgrade.
const dsnParams = "_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_txlock=immediate"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is the SQLite event log. It implements storage.EventStore and
// storage.HandlerOutbox.
type Store struct {
	sqlDB      *sql.DB
	now        func() time.Time
	outboxHold time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for outbox bookkeeping and for events
// appended without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOutboxHold delays when a freshly enqueued outbox row becomes due. Inline
// delivery uses it so the background worker does not race the caller.
func WithOutboxHold(hold time.Duration) Option {
	return func(s *Store) {
		if hold > 0 {
			s.outboxHold = hold
		}
	}
}

// Open opens (creating if needed) the event log at path and applies migrations.
func Open(path string, opts ...Option) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, errors.New("storage path is required")
	}
	cleanPath = filepath.Clean(cleanPath)

	sqlDB, err := sql.Open("sqlite", cleanPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if _, err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.EventsFS, migrations.EventsRoot); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("storage is not configured")
	}
	return nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
