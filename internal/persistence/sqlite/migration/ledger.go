package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ledger persists one row per unit recording the latest application
// attempt. The unit name is unique; a retry after a failed attempt
// overwrites the failed row rather than accumulating history.
type Ledger struct {
	provider DBProvider
}

// NewLedger creates a Ledger over the given handle provider.
func NewLedger(provider DBProvider) *Ledger {
	return &Ledger{provider: provider}
}

// Init creates the ledger table when absent. Safe to call repeatedly.
func (l *Ledger) Init(ctx context.Context) error {
	_, err := l.provider.DB().ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			rollback_info TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("migration: initialize ledger: %w", err)
	}
	return nil
}

// Record upserts the attempt row for a unit.
func (l *Ledger) Record(ctx context.Context, entry LedgerEntry) error {
	_, err := l.provider.DB().ExecContext(ctx, `
		INSERT INTO migration_ledger (filename, applied_at, success, error_message, rollback_info)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET
			applied_at = excluded.applied_at,
			success = excluded.success,
			error_message = excluded.error_message,
			rollback_info = excluded.rollback_info`,
		entry.Name, entry.AppliedAt.UTC(), boolToInt(entry.Success), entry.ErrorMessage, entry.RollbackInfo)
	if err != nil {
		return fmt.Errorf("migration: record %q: %w", entry.Name, err)
	}
	return nil
}

// Remove deletes the ledger row for a unit, used after a successful
// rollback so the unit becomes pending again.
func (l *Ledger) Remove(ctx context.Context, name string) error {
	_, err := l.provider.DB().ExecContext(ctx,
		`DELETE FROM migration_ledger WHERE filename = ?`, name)
	if err != nil {
		return fmt.Errorf("migration: remove %q from ledger: %w", name, err)
	}
	return nil
}

// IsApplied reports whether the unit's latest attempt succeeded.
func (l *Ledger) IsApplied(ctx context.Context, name string) (bool, error) {
	var success int
	err := l.provider.DB().QueryRowContext(ctx,
		`SELECT success FROM migration_ledger WHERE filename = ?`, name).Scan(&success)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration: query %q: %w", name, err)
	}
	return success != 0, nil
}

// AppliedSet returns the names of units whose latest attempt succeeded.
func (l *Ledger) AppliedSet(ctx context.Context) (map[string]bool, error) {
	rows, err := l.provider.DB().QueryContext(ctx,
		`SELECT filename FROM migration_ledger WHERE success != 0`)
	if err != nil {
		return nil, fmt.Errorf("migration: query applied set: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("migration: scan applied row: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// History returns every ledger row in application order, failed
// attempts included.
func (l *Ledger) History(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := l.provider.DB().QueryContext(ctx, `
		SELECT id, filename, applied_at, success, error_message, rollback_info
		FROM migration_ledger ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("migration: query history: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			entry   LedgerEntry
			success int
			applied time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.Name, &applied, &success,
			&entry.ErrorMessage, &entry.RollbackInfo); err != nil {
			return nil, fmt.Errorf("migration: scan history row: %w", err)
		}
		entry.AppliedAt = applied
		entry.Success = success != 0
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
