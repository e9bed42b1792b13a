package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "archive.db")
	store, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "archive.db")
	store, err := Open(path, DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file was not created: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %q", store.Path())
	}
}

func TestOpen_RejectsInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"negative busy timeout", Options{BusyTimeout: -1}},
		{"bad journal mode", Options{JournalMode: "SIDEWAYS"}},
		{"bad synchronous mode", Options{Synchronous: "MAYBE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(filepath.Join(t.TempDir(), "a.db"), tt.opts); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestStore_ReopenReplacesHandle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := store.Reopen(); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	var count int
	err := store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='t'").Scan(&count)
	if err != nil {
		t.Fatalf("query after reopen: %v", err)
	}
	if count != 1 {
		t.Fatalf("table missing after reopen")
	}
}

func TestStore_CloseThenDBReturnsNil(t *testing.T) {
	store := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if store.DB() != nil {
		t.Fatalf("DB should be nil after Close")
	}
	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestStore_WithTransaction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := store.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('kept')")
		return err
	})
	if err != nil {
		t.Fatalf("committed transaction failed: %v", err)
	}

	failure := os.ErrInvalid
	err = store.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ('discarded')"); err != nil {
			return err
		}
		return failure
	})
	if err == nil {
		t.Fatalf("expected error from failing transaction")
	}

	var count int
	if err := store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after rollback, got %d", count)
	}
}

func TestCheckIntegrity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := store.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if err := CheckIntegrity(ctx, store.Path()); err != nil {
		t.Fatalf("integrity check on healthy database: %v", err)
	}

	corrupt := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(corrupt, []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if err := CheckIntegrity(ctx, corrupt); err == nil {
		t.Fatalf("expected integrity failure for corrupt file")
	}
}
