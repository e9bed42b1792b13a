package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/media-archive/internal/persistence/sqlite/backup"
	"github.com/example/media-archive/internal/progress"
)

// SnapshotStore guards unit execution with verified snapshots and lets
// the runner inspect what is lying around from earlier runs.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, label string) (backup.Snapshot, error)
	Restore(ctx context.Context, path string) error
	List() ([]backup.Snapshot, error)
}

// Runner applies registered units in order, one snapshot per unit, and
// records every attempt in the ledger. A failed upgrade restores the
// snapshot before the failure is reported, so the database never stays
// in a half-migrated state.
type Runner struct {
	registry *Registry
	ledger   *Ledger
	backups  SnapshotStore
	reporter *progress.Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner constructs a Runner from its explicit dependencies.
func NewRunner(registry *Registry, ledger *Ledger, backups SnapshotStore, reporter *progress.Reporter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry: registry,
		ledger:   ledger,
		backups:  backups,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Bootstrap prepares the ledger and reports orphaned snapshots: files
// no ledger row refers to, which is what a crash between snapshot and
// ledger write leaves behind. Orphans are logged for the operator,
// never deleted or reconciled automatically.
func (r *Runner) Bootstrap(ctx context.Context) error {
	if err := r.ledger.Init(ctx); err != nil {
		return err
	}

	snapshots, err := r.backups.List()
	if err != nil {
		return fmt.Errorf("migration: list snapshots at bootstrap: %w", err)
	}
	if len(snapshots) == 0 {
		return nil
	}

	history, err := r.ledger.History(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(history))
	for _, entry := range history {
		if entry.RollbackInfo != "" {
			referenced[entry.RollbackInfo] = true
		}
	}
	for _, snap := range snapshots {
		if !referenced[snap.Path] {
			r.logger.Warn("orphaned snapshot with no ledger entry",
				"path", snap.Path, "created_at", snap.CreatedAt)
		}
	}
	return nil
}

// RunOne applies the named unit. A unit whose latest attempt succeeded
// is skipped; otherwise a snapshot is taken, the upgrade runs, and the
// attempt is recorded. On failure the snapshot is restored first and
// the ledger row records the failure afterwards, on the restored
// database.
func (r *Runner) RunOne(ctx context.Context, name string) (Outcome, error) {
	if err := r.ledger.Init(ctx); err != nil {
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}
	unit, err := r.registry.Get(name)
	if err != nil {
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}
	return r.apply(ctx, unit, uuid.NewString())
}

// RollbackOne reverses the named unit. The unit must be recorded as
// applied and must declare a downgrade. On success its ledger row is
// removed, making the unit pending again.
func (r *Runner) RollbackOne(ctx context.Context, name string) (Outcome, error) {
	runID := uuid.NewString()

	if err := r.ledger.Init(ctx); err != nil {
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}
	unit, err := r.registry.Get(name)
	if err != nil {
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}
	if !unit.Reversible() {
		err := fmt.Errorf("migration: rollback %q: %w", name, ErrMissingDowngrade)
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}

	applied, err := r.ledger.IsApplied(ctx, name)
	if err != nil {
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}
	if !applied {
		err := fmt.Errorf("migration: rollback %q: %w", name, ErrNotApplied)
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}

	op := "rollback:" + name
	r.logger.Info("rollback starting", "unit", name, "run_id", runID)
	r.reporter.Progress(op, 10, "creating snapshot")

	snap, err := r.backups.CreateSnapshot(ctx, "down_"+name)
	if err != nil {
		r.reporter.Error(op, err, "snapshot failed, nothing was changed")
		return Outcome{Unit: name, State: StateFailed, Err: err}, err
	}

	r.reporter.Progress(op, 40, "running downgrade")
	if derr := unit.Downgrade(ctx); derr != nil {
		return r.failAndRestore(ctx, op, name, snap.Path, derr, false)
	}

	if err := r.ledger.Remove(ctx, name); err != nil {
		return r.failAndRestore(ctx, op, name, snap.Path, err, false)
	}

	r.logger.Info("rollback complete", "unit", name, "run_id", runID)
	r.reporter.Success(op, fmt.Sprintf("unit %s rolled back", name))
	return Outcome{Unit: name, State: StateApplied, Snapshot: snap.Path}, nil
}

// RunAll applies every pending unit in order and halts at the first
// failure. The returned Result is always populated; the error mirrors
// the failing unit's error when the run halted early.
func (r *Runner) RunAll(ctx context.Context) (Result, error) {
	runID := uuid.NewString()
	result := Result{Success: true}

	if err := r.Bootstrap(ctx); err != nil {
		result.Success = false
		return result, err
	}

	pending, err := r.registry.Pending(ctx, r.ledger)
	if err != nil {
		result.Success = false
		return result, err
	}
	if len(pending) == 0 {
		r.logger.Info("no pending migrations", "run_id", runID)
		return result, nil
	}

	r.logger.Info("migration run starting",
		"run_id", runID, "pending", len(pending), "registered", r.registry.Len())

	for i, unit := range pending {
		r.logger.Info("applying unit",
			"run_id", runID, "unit", unit.Name, "position", i+1, "of", len(pending))

		outcome, err := r.apply(ctx, unit, runID)
		if err != nil {
			result.Success = false
			result.FailedCount++
			result.Failed = append(result.Failed, unit.Name)
			r.logger.Error("run halted",
				"run_id", runID, "unit", unit.Name, "applied", result.AppliedCount, "error", err)
			return result, err
		}
		if outcome.State == StateApplied {
			result.AppliedCount++
			result.Applied = append(result.Applied, unit.Name)
		}
	}

	r.logger.Info("migration run complete", "run_id", runID, "applied", result.AppliedCount)
	return result, nil
}

// Pending returns the names of registered units not yet applied.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	if err := r.ledger.Init(ctx); err != nil {
		return nil, err
	}
	pending, err := r.registry.Pending(ctx, r.ledger)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pending))
	for i, unit := range pending {
		names[i] = unit.Name
	}
	return names, nil
}

// History returns the full ledger, failed attempts included.
func (r *Runner) History(ctx context.Context) ([]LedgerEntry, error) {
	if err := r.ledger.Init(ctx); err != nil {
		return nil, err
	}
	return r.ledger.History(ctx)
}

func (r *Runner) apply(ctx context.Context, unit Unit, runID string) (Outcome, error) {
	applied, err := r.ledger.IsApplied(ctx, unit.Name)
	if err != nil {
		return Outcome{Unit: unit.Name, State: StateFailed, Err: err}, err
	}
	if applied {
		r.logger.Info("unit already applied", "unit", unit.Name, "run_id", runID)
		return Outcome{Unit: unit.Name, State: StateAlreadyApplied}, nil
	}

	op := "migrate:" + unit.Name
	r.reporter.Progress(op, 10, "creating snapshot")

	snap, err := r.backups.CreateSnapshot(ctx, "pre_"+unit.Name)
	if err != nil {
		r.reporter.Error(op, err, "snapshot failed, nothing was changed")
		return Outcome{Unit: unit.Name, State: StateFailed, Err: err}, err
	}

	r.reporter.Progress(op, 40, "running upgrade")
	if uerr := unit.Upgrade(ctx); uerr != nil {
		return r.failAndRestore(ctx, op, unit.Name, snap.Path, uerr, true)
	}

	entry := LedgerEntry{
		Name:         unit.Name,
		AppliedAt:    r.now(),
		Success:      true,
		RollbackInfo: snap.Path,
	}
	if err := r.ledger.Record(ctx, entry); err != nil {
		return r.failAndRestore(ctx, op, unit.Name, snap.Path, err, true)
	}

	r.reporter.Success(op, fmt.Sprintf("unit %s applied", unit.Name))
	return Outcome{Unit: unit.Name, State: StateApplied, Snapshot: snap.Path}, nil
}

// failAndRestore restores the guarding snapshot, then records the failed
// attempt in the ledger of the restored database. Recording before the
// restore would be pointless, the restore would wipe the row again.
func (r *Runner) failAndRestore(ctx context.Context, op, name, snapshotPath string, cause error, record bool) (Outcome, error) {
	r.logger.Error("unit failed, restoring snapshot",
		"unit", name, "snapshot", snapshotPath, "error", cause)
	r.reporter.Progress(op, 0, "restoring snapshot")

	if rerr := r.backups.Restore(ctx, snapshotPath); rerr != nil {
		r.logger.Error("snapshot restore failed, manual intervention required",
			"unit", name, "snapshot", snapshotPath, "restore_error", rerr)
		r.reporter.Error(op, rerr, "restore failed; database state is indeterminate")
		err := &ApplyError{Unit: name, Snapshot: snapshotPath, Restored: false, Err: rerr}
		return Outcome{Unit: name, State: StateFailed, Snapshot: snapshotPath, Err: err}, err
	}

	if record {
		entry := LedgerEntry{
			Name:         name,
			AppliedAt:    r.now(),
			Success:      false,
			ErrorMessage: cause.Error(),
			RollbackInfo: snapshotPath,
		}
		if lerr := r.ledger.Record(ctx, entry); lerr != nil {
			r.logger.Error("recording failed attempt failed", "unit", name, "error", lerr)
		}
	}

	r.reporter.Error(op, cause, "unit failed, database restored from snapshot")
	err := &ApplyError{Unit: name, Snapshot: snapshotPath, Restored: true, Err: cause}
	return Outcome{Unit: name, State: StateFailed, Snapshot: snapshotPath, Err: err}, err
}
