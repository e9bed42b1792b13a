// Package migrations holds the ordered schema history of the archive
// database. Every released schema change is a unit here; Register wires
// them into a registry in release order.
package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/media-archive/internal/logging"
	"github.com/example/media-archive/internal/persistence/sqlite"
	"github.com/example/media-archive/internal/persistence/sqlite/migration"
	"github.com/example/media-archive/internal/persistence/sqlite/schema"
)

// Register adds every known unit to the registry. The store provides
// the live handle for raw SQL units; structural units go through the
// rebuilder so they inherit its snapshot-and-restore guarantees.
func Register(reg *migration.Registry, store *sqlite.Store, reb *schema.Rebuilder) error {
	return reg.Register(
		initialSchema(store),
		addDownloadRetries(reb),
		dropLegacyHash(reb),
		renameFileDigest(reb),
	)
}

// initialSchema creates the base tables. Plain DDL on an empty or
// already-migrated database, so no rebuild machinery involved.
func initialSchema(store *sqlite.Store) migration.Unit {
	statements := []string{
		`CREATE TABLE channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tg_id INTEGER NOT NULL UNIQUE,
			title TEXT NOT NULL,
			last_seen_at TIMESTAMP
		)`,
		`CREATE TABLE downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL REFERENCES channels(id),
			name TEXT NOT NULL DEFAULT 'unnamed',
			size INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'queued',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			download_id INTEGER NOT NULL REFERENCES downloads(id),
			path TEXT NOT NULL,
			digest TEXT,
			legacy_hash TEXT,
			stored_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX idx_downloads_channel_name ON downloads (channel_id, name)`,
		`CREATE INDEX idx_downloads_status ON downloads (status)`,
		`CREATE INDEX idx_files_digest ON files (digest)`,
		`CREATE TRIGGER trg_downloads_touch AFTER UPDATE OF status ON downloads
		 BEGIN
			UPDATE downloads SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END`,
	}
	tables := []string{"files", "downloads", "channels"}

	return migration.Unit{
		Name: "001_initial_schema",
		Upgrade: func(ctx context.Context) error {
			err := store.WithTransaction(ctx, func(tx *sql.Tx) error {
				for _, stmt := range statements {
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("initial schema: %w", err)
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			logging.FromContext(ctx).Info("base schema created", "tables", len(tables))
			return nil
		},
		Downgrade: func(ctx context.Context) error {
			return store.WithTransaction(ctx, func(tx *sql.Tx) error {
				for _, table := range tables {
					if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
						return fmt.Errorf("drop %s: %w", table, err)
					}
				}
				return nil
			})
		},
	}
}

// addDownloadRetries tracks transfer retries per download.
func addDownloadRetries(reb *schema.Rebuilder) migration.Unit {
	return migration.Unit{
		Name: "002_add_download_retries",
		Upgrade: func(ctx context.Context) error {
			return reb.AddColumns(ctx, "downloads",
				schema.ColumnDef{Name: "retry_count", Type: "INTEGER", NotNull: true, Default: "0"},
				schema.ColumnDef{Name: "last_error", Type: "TEXT"},
			)
		},
		Downgrade: func(ctx context.Context) error {
			return reb.DropColumns(ctx, "downloads", "retry_count", "last_error")
		},
	}
}

// dropLegacyHash removes the pre-digest hash column kept only for
// archives imported from the old layout. Irreversible: the values are
// not reconstructible once gone.
func dropLegacyHash(reb *schema.Rebuilder) migration.Unit {
	return migration.Unit{
		Name: "003_drop_legacy_hash",
		Upgrade: func(ctx context.Context) error {
			return reb.DropColumns(ctx, "files", "legacy_hash")
		},
	}
}

// renameFileDigest aligns the column name with what the rest of the
// codebase calls it.
func renameFileDigest(reb *schema.Rebuilder) migration.Unit {
	return migration.Unit{
		Name: "004_rename_digest_to_checksum",
		Upgrade: func(ctx context.Context) error {
			return reb.RenameColumn(ctx, "files", "digest", "checksum")
		},
		Downgrade: func(ctx context.Context) error {
			return reb.RenameColumn(ctx, "files", "checksum", "digest")
		},
	}
}
