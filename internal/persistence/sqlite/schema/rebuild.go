package schema

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/example/media-archive/internal/persistence/sqlite/backup"
	"github.com/example/media-archive/internal/progress"
)

// Stage identifies the phase a rebuild operation is in. Failures carry the
// stage they occurred in so operators know how far the operation got.
type Stage int

const (
	StageBackingUp Stage = iota
	StageBuilding
	StageCopying
	StageSwapping
	StageRebuildingIndexes
	StageRebuildingTriggers
	StageCommitted
	StageRollingBack
	StageRestored
	StageFailed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageBackingUp:
		return "backing_up"
	case StageBuilding:
		return "building"
	case StageCopying:
		return "copying"
	case StageSwapping:
		return "swapping"
	case StageRebuildingIndexes:
		return "rebuilding_indexes"
	case StageRebuildingTriggers:
		return "rebuilding_triggers"
	case StageCommitted:
		return "committed"
	case StageRollingBack:
		return "rolling_back"
	case StageRestored:
		return "restored"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// shadowSuffix names the temporary table a rebuild populates before the
// swap. The name is deterministic; a leftover shadow table from an
// interrupted run fails the next rebuild fast instead of being clobbered.
const shadowSuffix = "_rebuild"

// BackupStore guards destructive rebuilds with verified snapshots.
type BackupStore interface {
	CreateSnapshot(ctx context.Context, label string) (backup.Snapshot, error)
	Restore(ctx context.Context, path string) error
}

// ColumnDef describes a column to add to an existing table.
type ColumnDef struct {
	Name    string
	Type    string
	NotNull bool
	Default string // Default expression as SQL text, required when NotNull on a populated table
}

// Rebuilder performs structural table changes the engine cannot do in
// place. Drop and rename go through a create-copy-swap of a shadow table;
// additions use the native ALTER. Every destructive operation starts with a
// verified snapshot and restores it on failure.
//
// Callers must guarantee no other writer is active for the duration of an
// operation; the engine's whole-database locking covers the transaction
// window but not the snapshot and restore file copies around it.
type Rebuilder struct {
	provider DBProvider
	backups  BackupStore
	reporter *progress.Reporter
	logger   *slog.Logger
}

// NewRebuilder constructs a Rebuilder from its explicit dependencies.
func NewRebuilder(provider DBProvider, backups BackupStore, reporter *progress.Reporter, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{
		provider: provider,
		backups:  backups,
		reporter: reporter,
		logger:   logger,
	}
}

// DropColumns removes the named columns from the table via a shadow-table
// rebuild. Names that are not present are ignored; when none are present
// the call is a successful no-op.
func (r *Rebuilder) DropColumns(ctx context.Context, table string, names ...string) error {
	op := "drop_columns:" + table

	intro := NewIntrospector(r.provider)
	tbl, err := intro.Table(ctx, table)
	if err != nil {
		return err
	}

	dropped := make(map[string]bool)
	for _, name := range names {
		if _, ok := tbl.Column(name); ok {
			dropped[strings.ToLower(name)] = true
		}
	}
	if len(dropped) == 0 {
		r.logger.Info("drop columns is a no-op, none present", "table", table, "columns", names)
		r.reporter.Success(op, "no matching columns, nothing to do")
		return nil
	}

	var retained []Column
	for _, col := range tbl.Columns {
		if !dropped[strings.ToLower(col.Name)] {
			retained = append(retained, col)
		}
	}
	if len(retained) == 0 {
		return fmt.Errorf("schema: drop from %q: %w", table, ErrNoColumnsLeft)
	}

	var indexSQL []string
	for _, idx := range tbl.Indexes {
		if indexTouchesColumns(idx, dropped) {
			r.logger.Info("dropping index with its column", "table", table, "index", idx.Name)
			continue
		}
		indexSQL = append(indexSQL, idx.SQL)
	}
	// Triggers are recreated verbatim from captured DDL; one that still
	// references a dropped column fails the rebuild, which then restores.
	var triggerSQL []string
	for _, trg := range tbl.Triggers {
		triggerSQL = append(triggerSQL, trg.SQL)
	}

	quoted := make([]string, len(retained))
	for i, col := range retained {
		quoted[i] = quoteIdent(col.Name)
	}

	plan := rebuildPlan{
		op:            op,
		table:         table,
		shadow:        table + shadowSuffix,
		createSQL:     buildCreateSQL(table+shadowSuffix, retained, tbl.SQL),
		insertColumns: quoted,
		selectExprs:   quoted,
		indexSQL:      indexSQL,
		triggerSQL:    triggerSQL,
	}
	return r.execute(ctx, plan)
}

// RenameColumn renames old to new on the table via a shadow-table rebuild.
// Dependent index and trigger DDL is rewritten by whole-word textual
// substitution of the identifier, which preserves everything the catalog
// has no structured form for (partial-index WHERE clauses, collations,
// expression terms) but also rewrites occurrences inside string literals
// that happen to spell the identifier.
func (r *Rebuilder) RenameColumn(ctx context.Context, table, oldName, newName string) error {
	op := "rename_column:" + table

	intro := NewIntrospector(r.provider)
	tbl, err := intro.Table(ctx, table)
	if err != nil {
		return err
	}

	if _, ok := tbl.Column(oldName); !ok {
		return fmt.Errorf("schema: rename on %q: %q: %w", table, oldName, ErrColumnNotFound)
	}
	if _, ok := tbl.Column(newName); ok {
		return fmt.Errorf("schema: rename on %q: %q: %w", table, newName, ErrColumnExists)
	}

	renamed := make([]Column, len(tbl.Columns))
	insertColumns := make([]string, len(tbl.Columns))
	selectExprs := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		renamed[i] = col
		if strings.EqualFold(col.Name, oldName) {
			renamed[i].Name = newName
		}
		insertColumns[i] = quoteIdent(renamed[i].Name)
		selectExprs[i] = quoteIdent(col.Name)
	}

	var indexSQL []string
	for _, idx := range tbl.Indexes {
		indexSQL = append(indexSQL, rewriteIdentifier(idx.SQL, oldName, newName))
	}
	var triggerSQL []string
	for _, trg := range tbl.Triggers {
		triggerSQL = append(triggerSQL, rewriteIdentifier(trg.SQL, oldName, newName))
	}

	plan := rebuildPlan{
		op:            op,
		table:         table,
		shadow:        table + shadowSuffix,
		createSQL:     buildCreateSQL(table+shadowSuffix, renamed, tbl.SQL),
		insertColumns: insertColumns,
		selectExprs:   selectExprs,
		indexSQL:      indexSQL,
		triggerSQL:    triggerSQL,
	}
	return r.execute(ctx, plan)
}

// AddColumns appends columns with the engine's native additive ALTER, one
// statement per column inside a single transaction. The operation is still
// snapshot-guarded for consistency with the destructive ones.
func (r *Rebuilder) AddColumns(ctx context.Context, table string, defs ...ColumnDef) error {
	op := "add_columns:" + table

	intro := NewIntrospector(r.provider)
	tbl, err := intro.Table(ctx, table)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, ok := tbl.Column(def.Name); ok {
			return fmt.Errorf("schema: add to %q: %q: %w", table, def.Name, ErrColumnExists)
		}
	}
	if len(defs) == 0 {
		r.reporter.Success(op, "no columns to add")
		return nil
	}

	r.reporter.Progress(op, 5, "creating snapshot")
	snap, err := r.backups.CreateSnapshot(ctx, "add_"+table)
	if err != nil {
		r.reporter.Error(op, err, "snapshot failed, nothing was changed")
		return err
	}

	db := r.provider.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin add transaction: %w", err)
	}

	for i, def := range defs {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), def.render())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return r.restoreAfterFailure(ctx, op, table, StageBuilding, snap.Path,
				fmt.Errorf("add column %q: %w", def.Name, err))
		}
		r.reporter.Progress(op, 10+(80*(i+1))/len(defs), fmt.Sprintf("column %s added", def.Name))
	}

	if err := tx.Commit(); err != nil {
		return r.restoreAfterFailure(ctx, op, table, StageCommitted, snap.Path,
			fmt.Errorf("commit add transaction: %w", err))
	}

	r.logger.Info("columns added", "table", table, "count", len(defs), "snapshot", snap.Path)
	r.reporter.Success(op, fmt.Sprintf("%d column(s) added to %s", len(defs), table))
	return nil
}

// rebuildPlan carries everything execute needs to run one copy-swap rebuild.
type rebuildPlan struct {
	op            string
	table         string
	shadow        string
	createSQL     string
	insertColumns []string
	selectExprs   []string
	indexSQL      []string
	triggerSQL    []string
}

// execute runs the snapshot-guarded shadow-table rebuild. The live table is
// never mutated before the shadow table is fully populated and its row
// count verified; the drop-and-rename swap happens inside the same
// transaction as the copy.
func (r *Rebuilder) execute(ctx context.Context, plan rebuildPlan) error {
	db := r.provider.DB()

	var shadowCount int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, plan.shadow).Scan(&shadowCount)
	if err != nil {
		return fmt.Errorf("schema: probe shadow table: %w", err)
	}
	if shadowCount != 0 {
		return fmt.Errorf("schema: rebuild of %q: %q: %w", plan.table, plan.shadow, ErrShadowTableExists)
	}

	r.reporter.Progress(plan.op, 5, "creating snapshot")
	snap, err := r.backups.CreateSnapshot(ctx, strings.ReplaceAll(plan.op, ":", "_"))
	if err != nil {
		r.reporter.Error(plan.op, err, "snapshot failed, nothing was changed")
		return err
	}
	r.logger.Info("rebuild starting", "table", plan.table, "snapshot", snap.Path)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin rebuild transaction: %w", err)
	}

	stage := StageBuilding
	fail := func(err error) error {
		_ = tx.Rollback()
		return r.restoreAfterFailure(ctx, plan.op, plan.table, stage, snap.Path, err)
	}

	// With foreign_keys=ON, dropping a table that other tables reference
	// fails immediately even though the renamed shadow satisfies the
	// references again before commit. Defer the checks to commit time;
	// the pragma resets itself when the transaction ends.
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return fail(fmt.Errorf("defer foreign keys: %w", err))
	}

	if _, err := tx.ExecContext(ctx, plan.createSQL); err != nil {
		return fail(fmt.Errorf("create shadow table: %w", err))
	}
	r.reporter.Progress(plan.op, 20, "shadow table created")

	stage = StageCopying
	copySQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		quoteIdent(plan.shadow),
		strings.Join(plan.insertColumns, ", "),
		strings.Join(plan.selectExprs, ", "),
		quoteIdent(plan.table))
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fail(fmt.Errorf("copy rows: %w", err))
	}

	var sourceRows, shadowRows int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(plan.table)).Scan(&sourceRows); err != nil {
		return fail(fmt.Errorf("count source rows: %w", err))
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(plan.shadow)).Scan(&shadowRows); err != nil {
		return fail(fmt.Errorf("count shadow rows: %w", err))
	}
	if sourceRows != shadowRows {
		return fail(fmt.Errorf("shadow table holds %d rows, source holds %d", shadowRows, sourceRows))
	}
	r.reporter.Progress(plan.op, 45, "data copied")

	stage = StageSwapping
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(plan.table)); err != nil {
		return fail(fmt.Errorf("drop original table: %w", err))
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(plan.shadow), quoteIdent(plan.table))); err != nil {
		return fail(fmt.Errorf("rename shadow table: %w", err))
	}
	r.reporter.Progress(plan.op, 65, "tables swapped")

	// Indexes and triggers are not inherited by the new table.
	stage = StageRebuildingIndexes
	for _, ddl := range plan.indexSQL {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fail(fmt.Errorf("recreate index: %w", err))
		}
	}
	r.reporter.Progress(plan.op, 80, "indexes rebuilt")

	stage = StageRebuildingTriggers
	for _, ddl := range plan.triggerSQL {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fail(fmt.Errorf("recreate trigger: %w", err))
		}
	}
	r.reporter.Progress(plan.op, 90, "triggers rebuilt")

	stage = StageCommitted
	if err := tx.Commit(); err != nil {
		return r.restoreAfterFailure(ctx, plan.op, plan.table, stage, snap.Path,
			fmt.Errorf("commit rebuild: %w", err))
	}

	r.logger.Info("rebuild committed", "table", plan.table, "rows", shadowRows)
	r.reporter.Progress(plan.op, 100, "committed")
	r.reporter.Success(plan.op, fmt.Sprintf("table %s rebuilt", plan.table))
	return nil
}

// restoreAfterFailure restores the pre-operation snapshot after a rebuild
// error. Transaction rollback alone is not enough: a process crash between
// the swap and the restore would otherwise leave no automated way back.
func (r *Rebuilder) restoreAfterFailure(ctx context.Context, op, table string, stage Stage, snapshotPath string, cause error) error {
	r.logger.Error("rebuild failed, restoring snapshot",
		"table", table, "stage", stage.String(), "snapshot", snapshotPath, "error", cause)
	r.reporter.Progress(op, 0, "rolling back")

	if rerr := r.backups.Restore(ctx, snapshotPath); rerr != nil {
		r.logger.Error("snapshot restore failed, manual intervention required",
			"table", table, "snapshot", snapshotPath, "restore_error", rerr)
		r.reporter.Error(op, rerr, "restore failed; database state is indeterminate")
		return &RebuildError{Table: table, Stage: stage, Restored: false, Err: rerr}
	}

	r.reporter.Error(op, cause, "operation rolled back, database restored from snapshot")
	return &RebuildError{Table: table, Stage: stage, Restored: true, Err: cause}
}

// render produces the column clause for ALTER TABLE ... ADD COLUMN.
func (d ColumnDef) render() string {
	var b strings.Builder
	b.WriteString(quoteIdent(d.Name))
	if d.Type != "" {
		b.WriteString(" ")
		b.WriteString(d.Type)
	}
	if d.NotNull {
		b.WriteString(" NOT NULL")
	}
	if d.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(d.Default)
	}
	return b.String()
}

// buildCreateSQL synthesizes the shadow table's CREATE statement from the
// structured column list, preserving types, nullability, defaults and the
// primary key. A single-column key is rendered inline (keeping
// AUTOINCREMENT when the original declared it); composite keys become a
// table constraint.
func buildCreateSQL(name string, columns []Column, originalDDL string) string {
	var pk []Column
	for _, col := range columns {
		if col.PKOrdinal > 0 {
			pk = append(pk, col)
		}
	}
	singlePK := len(pk) == 1
	autoincrement := singlePK &&
		strings.EqualFold(pk[0].Type, "INTEGER") &&
		strings.Contains(strings.ToUpper(originalDDL), "AUTOINCREMENT")

	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		var b strings.Builder
		b.WriteString(quoteIdent(col.Name))
		if col.Type != "" {
			b.WriteString(" ")
			b.WriteString(col.Type)
		}
		if singlePK && col.PKOrdinal == 1 {
			b.WriteString(" PRIMARY KEY")
			if autoincrement {
				b.WriteString(" AUTOINCREMENT")
			}
		}
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
		if col.Default.Valid {
			b.WriteString(" DEFAULT ")
			b.WriteString(col.Default.String)
		}
		defs = append(defs, b.String())
	}

	if len(pk) > 1 {
		sorted := make([]string, len(pk))
		for _, col := range pk {
			sorted[col.PKOrdinal-1] = quoteIdent(col.Name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(sorted, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
}

// rewriteIdentifier substitutes whole-word occurrences of oldName with
// newName in a DDL statement. The word boundary keeps identifiers that
// merely embed the old name (index names, other columns) intact.
func rewriteIdentifier(ddl, oldName, newName string) string {
	pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(oldName) + `\b`)
	return pattern.ReplaceAllString(ddl, newName)
}

// indexTouchesColumns reports whether the index covers any of the named
// columns (keys are lower-case column names).
func indexTouchesColumns(idx Index, columns map[string]bool) bool {
	for _, col := range idx.Columns {
		if columns[strings.ToLower(col)] {
			return true
		}
	}
	return false
}
