// Package sqlite owns the connection to the embedded archive database.
//
// The store exposes the live *sql.DB handle together with the close/reopen
// cycle that backup restoration requires. Callers must treat the handle as
// invalid across Reopen and always re-fetch it via DB().
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Options holds SQLite-specific connection configuration.
type Options struct {
	// BusyTimeout sets how long to wait for database locks.
	BusyTimeout time.Duration

	// ForeignKeys enables foreign key constraint checking.
	ForeignKeys bool

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.).
	JournalMode string

	// Synchronous sets the synchronous mode (FULL, NORMAL, OFF).
	Synchronous string

	// CacheSize sets the page cache size in KB (negative for pages).
	CacheSize int

	// MaxOpenConns caps the connection pool. Schema rebuilds assume a
	// single writer, so the default keeps one connection.
	MaxOpenConns int
}

// DefaultOptions returns connection options suitable for migration work.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  30 * time.Second,
		ForeignKeys:  true,
		JournalMode:  "WAL",
		Synchronous:  "NORMAL",
		CacheSize:    -2000,
		MaxOpenConns: 1,
	}
}

// Store wraps the database file and its live connection pool.
type Store struct {
	mu   sync.RWMutex
	path string
	opts Options
	db   *sql.DB
}

// Open creates the database file if needed and opens a configured
// connection to it.
func Open(path string, opts Options) (*Store, error) {
	if err := validateOptions(opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite options: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: database path cannot be empty")
	}

	if err := ensureFile(path); err != nil {
		return nil, err
	}

	db, err := openConfigured(path, opts)
	if err != nil {
		return nil, err
	}

	return &Store{path: path, opts: opts, db: db}, nil
}

// DB returns the current live handle. The handle is replaced by Reopen, so
// long-lived components must call DB per operation rather than caching it.
func (s *Store) DB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the live connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reopen re-establishes the connection pool after the database file has
// been replaced. Any previously fetched handle becomes invalid.
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("sqlite: close before reopen: %w", err)
		}
		s.db = nil
	}
	db, err := openConfigured(s.path, s.opts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Checkpoint forces WAL content into the main database file so that a
// file-level copy observes a complete database. A no-op outside WAL mode.
func (s *Store) Checkpoint(ctx context.Context) error {
	db := s.DB()
	if db == nil {
		return fmt.Errorf("sqlite: store is closed")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite: wal checkpoint: %w", err)
	}
	return nil
}

// CheckIntegrity opens the database file at path and runs the engine's
// integrity check, returning an error unless the result is "ok".
func CheckIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("sqlite: open for integrity check: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check query: %w", err)
	}
	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("sqlite: integrity check reported %q", result)
	}
	return nil
}

// openConfigured opens a connection pool and applies the PRAGMA settings.
func openConfigured(path string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
	}
	if opts.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA journal_mode = %s", opts.JournalMode))
	}
	if opts.Synchronous != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA synchronous = %s", opts.Synchronous))
	}
	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if opts.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", opts.CacheSize))
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	return db, nil
}

// ensureFile creates the database file and its parent directory if absent.
func ensureFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sqlite: create database directory %s: %w", dir, err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sqlite: create database file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("sqlite: close database file %s: %w", path, err)
	}
	return nil
}

// validateOptions rejects option combinations the engine would refuse.
func validateOptions(opts Options) error {
	if opts.BusyTimeout < 0 {
		return fmt.Errorf("BusyTimeout cannot be negative")
	}
	if opts.MaxOpenConns < 0 {
		return fmt.Errorf("MaxOpenConns cannot be negative")
	}

	validJournalModes := map[string]bool{
		"DELETE": true, "TRUNCATE": true, "PERSIST": true,
		"MEMORY": true, "WAL": true, "OFF": true,
	}
	if opts.JournalMode != "" && !validJournalModes[strings.ToUpper(opts.JournalMode)] {
		return fmt.Errorf("invalid journal mode: %s", opts.JournalMode)
	}

	validSyncModes := map[string]bool{
		"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
	}
	if opts.Synchronous != "" && !validSyncModes[strings.ToUpper(opts.Synchronous)] {
		return fmt.Errorf("invalid synchronous mode: %s", opts.Synchronous)
	}

	return nil
}
