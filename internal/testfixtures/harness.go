// Package testfixtures assembles the full migration stack over a
// temporary database for integration-style tests.
package testfixtures

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/media-archive/internal/persistence/sqlite"
	"github.com/example/media-archive/internal/persistence/sqlite/backup"
	"github.com/example/media-archive/internal/persistence/sqlite/migration"
	"github.com/example/media-archive/internal/persistence/sqlite/schema"
)

// Harness wires a temporary database to the backup store, rebuilder and
// migration runner the way the CLI does, minus the console plumbing.
type Harness struct {
	Store        *sqlite.Store
	Backups      *backup.Store
	Rebuilder    *schema.Rebuilder
	Introspector *schema.Introspector
	Registry     *migration.Registry
	Ledger       *migration.Ledger
	Runner       *migration.Runner
}

// NewHarness builds a Harness over a fresh database file under the
// test's temporary directory. The store is closed automatically when
// the test finishes.
func NewHarness(tb testing.TB) *Harness {
	tb.Helper()

	dir := tb.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "archive.db"), sqlite.DefaultOptions())
	if err != nil {
		tb.Fatalf("failed to open storage: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })

	backups := backup.NewStore(store, backup.Config{
		Dir:    filepath.Join(dir, "backups"),
		Prefix: "archive_backup",
		Keep:   20,
	}, slog.Default())

	rebuilder := schema.NewRebuilder(store, backups, nil, slog.Default())
	registry := migration.NewRegistry()
	ledger := migration.NewLedger(store)
	runner := migration.NewRunner(registry, ledger, backups, nil, slog.Default())

	return &Harness{
		Store:        store,
		Backups:      backups,
		Rebuilder:    rebuilder,
		Introspector: schema.NewIntrospector(store),
		Registry:     registry,
		Ledger:       ledger,
		Runner:       runner,
	}
}

// Exec runs the statements against the live handle, failing the test on
// the first error.
func (h *Harness) Exec(tb testing.TB, statements ...string) {
	tb.Helper()
	for _, stmt := range statements {
		if _, err := h.Store.DB().ExecContext(context.Background(), stmt); err != nil {
			tb.Fatalf("exec %q: %v", stmt, err)
		}
	}
}
