package backup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/media-archive/internal/persistence/sqlite"
)

func newTestStore(t *testing.T) (*Store, *sqlite.Store) {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "archive.db"), sqlite.DefaultOptions())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, Config{
		Dir:    filepath.Join(dir, "backups"),
		Prefix: "archive_backup",
		Keep:   3,
	}, slog.Default())
	return store, db
}

func seedRows(t *testing.T, db *sqlite.Store, names ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.DB().ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS downloads (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, name := range names {
		if _, err := db.DB().ExecContext(ctx,
			"INSERT INTO downloads (name) VALUES (?)", name); err != nil {
			t.Fatalf("insert row: %v", err)
		}
	}
}

func countRows(t *testing.T, db *sqlite.Store) int {
	t.Helper()
	var count int
	if err := db.DB().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM downloads").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func TestCreateSnapshot_ProducesVerifiedCopy(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "a", "b", "c")

	snap, err := store.CreateSnapshot(context.Background(), "migration_001_initial")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	if !snap.Verified {
		t.Fatalf("snapshot should be verified")
	}
	if snap.Checksum == "" {
		t.Fatalf("snapshot should carry a checksum")
	}
	base := filepath.Base(snap.Path)
	if !strings.HasPrefix(base, "archive_backup_") {
		t.Fatalf("unexpected snapshot name %q", base)
	}
	if !strings.Contains(base, "migration_001_initial") {
		t.Fatalf("snapshot name should embed the label: %q", base)
	}
	if _, err := os.Stat(snap.Path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if _, err := os.Stat(snap.Path + ".sum"); err != nil {
		t.Fatalf("digest sidecar missing: %v", err)
	}
}

func TestCreateSnapshot_RejectsUnverifiableSource(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.db")
	if err := os.WriteFile(garbage, []byte("not a database at all"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	store := NewStore(&fakeDatabase{path: garbage}, Config{
		Dir: filepath.Join(dir, "backups"),
	}, slog.Default())

	_, err := store.CreateSnapshot(context.Background(), "broken")
	if err == nil {
		t.Fatalf("expected integrity error")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
	if !errors.Is(err, ErrSnapshotVerification) {
		t.Fatalf("error should match ErrSnapshotVerification: %v", err)
	}

	// The bad copy must not be left behind as a usable path.
	entries, _ := os.ReadDir(filepath.Join(dir, "backups"))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".db") {
			t.Fatalf("unverified snapshot left on disk: %s", entry.Name())
		}
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "one", "two", "three")

	snap, err := store.CreateSnapshot(context.Background(), "pre_destructive")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	if _, err := db.DB().ExecContext(context.Background(), "DROP TABLE downloads"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	if err := store.Restore(context.Background(), snap.Path); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := countRows(t, db); got != 3 {
		t.Fatalf("expected 3 rows after restore, got %d", got)
	}
}

func TestRestore_RejectsCorruptSnapshotBeforeTouchingPrimary(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "survivor")

	bad := filepath.Join(t.TempDir(), "archive_backup_20250101T000000_bad.db")
	if err := os.WriteFile(bad, []byte("corrupt snapshot"), 0o644); err != nil {
		t.Fatalf("write corrupt snapshot: %v", err)
	}

	err := store.Restore(context.Background(), bad)
	if err == nil {
		t.Fatalf("expected restore error")
	}
	var restoreErr *RestoreError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("expected RestoreError, got %T: %v", err, err)
	}
	if restoreErr.Indeterminate {
		t.Fatalf("primary was never touched; error must not be indeterminate")
	}

	// Live database must be intact.
	if got := countRows(t, db); got != 1 {
		t.Fatalf("expected 1 row, got %d", got)
	}
}

func TestRestore_MissingSnapshot(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	if !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("expected ErrSnapshotMissing, got %v", err)
	}
}

func TestRestore_RejectsTamperedSnapshot(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "row")

	snap, err := store.CreateSnapshot(context.Background(), "tamper_check")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	// Rewrite the sidecar so the digest no longer matches.
	if err := os.WriteFile(snap.Path+".sum", []byte("deadbeef\n"), 0o644); err != nil {
		t.Fatalf("tamper sidecar: %v", err)
	}

	if err := store.Restore(context.Background(), snap.Path); err == nil {
		t.Fatalf("expected digest mismatch error")
	}
}

func TestRestore_ReopensAfterFailedCopy(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "row")

	snap, err := store.CreateSnapshot(context.Background(), "pre_failure")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	// A primary path inside a directory that no longer exists makes the
	// copy fail after the live handle was already closed.
	fake := &fakeDatabase{path: filepath.Join(t.TempDir(), "gone", "archive.db")}
	broken := NewStore(fake, Config{Dir: store.cfg.Dir}, slog.Default())

	err = broken.Restore(context.Background(), snap.Path)
	if err == nil {
		t.Fatalf("expected restore failure")
	}
	var restoreErr *RestoreError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("expected RestoreError, got %T: %v", err, err)
	}
	if !restoreErr.Indeterminate {
		t.Fatalf("copy failure after close must be indeterminate")
	}
	if fake.reopens == 0 {
		t.Fatalf("store should try to reopen so callers are not left with a nil handle")
	}
}

func TestCleanup_KeepsMostRecent(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "x")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var paths []string
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return ts }
		snap, err := store.CreateSnapshot(context.Background(), "round")
		if err != nil {
			t.Fatalf("create snapshot %d: %v", i, err)
		}
		// Spread modification times so ordering is deterministic.
		if err := os.Chtimes(snap.Path, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
		paths = append(paths, snap.Path)
	}

	removed, err := store.Cleanup(2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed, got %d: %v", len(removed), removed)
	}

	// The oldest three must be gone, the newest two kept.
	for _, old := range paths[:3] {
		if _, err := os.Stat(old); !os.IsNotExist(err) {
			t.Fatalf("old snapshot %s should be removed", old)
		}
	}
	for _, recent := range paths[3:] {
		if _, err := os.Stat(recent); err != nil {
			t.Fatalf("recent snapshot %s should remain: %v", recent, err)
		}
	}
}

func TestList_ParsesLabelsAndOrdersNewestFirst(t *testing.T) {
	store, db := newTestStore(t)
	seedRows(t, db, "x")

	times := []time.Time{
		time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC),
	}
	labels := []string{"migration_001_initial", "migration_002_add_retries"}
	for i := range times {
		ts := times[i]
		store.now = func() time.Time { return ts }
		snap, err := store.CreateSnapshot(context.Background(), labels[i])
		if err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
		if err := os.Chtimes(snap.Path, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	snapshots, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].Label != "migration_002_add_retries" {
		t.Fatalf("newest snapshot should come first, got label %q", snapshots[0].Label)
	}
	if snapshots[1].Label != "migration_001_initial" {
		t.Fatalf("unexpected second label %q", snapshots[1].Label)
	}
	if snapshots[0].Checksum == "" {
		t.Fatalf("listed snapshot should carry sidecar checksum")
	}
}

// fakeDatabase satisfies Database with a plain file and no live engine.
type fakeDatabase struct {
	path    string
	reopens int
}

func (f *fakeDatabase) Path() string                     { return f.path }
func (f *fakeDatabase) Checkpoint(context.Context) error { return nil }
func (f *fakeDatabase) Close() error                     { return nil }

func (f *fakeDatabase) Reopen() error {
	f.reopens++
	return nil
}
