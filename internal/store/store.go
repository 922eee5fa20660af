// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists chats, folders, messages, attachments, instances,
// model preferences and key/value preferences in a single SQLite file.
//
// Every operation runs in a short transaction on a single connection, so
// writes are serialized. In-memory entities elsewhere hold row ids and ask
// the store to resolve them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/secret"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a row id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalidReference is returned when a write points at a parent row
	// (chat, message, folder) that does not exist.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrFolderCycle is returned when a folder move would create a cycle.
	ErrFolderCycle = errors.New("folder move would create a cycle")

	// ErrConflict is returned on primary key collisions the caller must
	// resolve by regenerating ids.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput is returned for values outside their domain
	// (unknown role, attachment kind, folder color).
	ErrInvalidInput = errors.New("invalid input")
)

// DatabaseName is the file name inside the data directory.
const DatabaseName = "alpaca.db"

// =============================================================================
// STORE
// =============================================================================

// Options configures Open.
type Options struct {
	// Path of the database file.
	Path string

	// Sealer encrypts instance API keys at rest. Nil stores them as given.
	Sealer *secret.Sealer

	// Logger defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// Store is the canonical owner of persisted state. It is safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	sealer *secret.Sealer
	log    *zap.SugaredLogger

	// now is swapped in tests.
	now func() time.Time
}

// Open opens (creating if needed) the database at opts.Path, runs the
// one-time legacy bootstrap and ensures the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrInvalidInput)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.With("component", "store")

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if err := relocateLegacyFile(opts.Path, log); err != nil {
		return nil, err
	}

	db, err := openDB(ctx, opts.Path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		path:   opts.Path,
		sealer: opts.Sealer,
		log:    log,
		now:    time.Now,
	}

	if err := s.bootstrap(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

// openDB opens a SQLite file with the connection settings every database in
// this package uses (main store and export fragments).
func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes writes and
	// keeps ATTACH-free pragmas consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapConstraint(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapConstraint(err))
	}
	return nil
}

// mapConstraint turns driver constraint failures into package sentinels.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// exists reports whether a row with id is present in table.
func exists(ctx context.Context, q querier, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// IDS AND TIME
// =============================================================================

// NewID returns a time-sortable opaque id: a microsecond timestamp
// followed by the hex of a random UUID.
func NewID() string {
	return newIDAt(time.Now())
}

func newIDAt(t time.Time) string {
	stamp := t.Format("20060102150405.000000")
	stamp = strings.Replace(stamp, ".", "", 1)
	return stamp + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatTime renders t in the persisted layout, in local time.
func FormatTime(t time.Time) string {
	return t.In(time.Local).Format(TimeFormat)
}

// ParseTime parses a persisted timestamp. Malformed values yield the zero
// time rather than failing the whole read.
func ParseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeFormat, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
