package migration

import (
	"context"
	"database/sql"
	"time"
)

// Unit is a single registered migration. Upgrade applies the change,
// Downgrade reverses it. Both close over whatever handles they need; the
// runner never passes a connection in, because a restore replaces the
// live handle mid-run and closures are expected to fetch it fresh.
type Unit struct {
	Name      string // Ordered identifier, e.g. "002_add_retry_count"
	Upgrade   func(ctx context.Context) error
	Downgrade func(ctx context.Context) error // Optional; nil means irreversible
}

// Reversible reports whether the unit carries a downgrade.
func (u Unit) Reversible() bool {
	return u.Downgrade != nil
}

// DBProvider yields the current live database handle. Fetched per
// operation because a snapshot restore swaps the handle out.
type DBProvider interface {
	DB() *sql.DB
}

// LedgerEntry is one recorded application attempt for a unit.
type LedgerEntry struct {
	ID           int64
	Name         string // Unit name, unique in the ledger
	AppliedAt    time.Time
	Success      bool
	ErrorMessage string // Failure detail of the last attempt, empty on success
	RollbackInfo string // Path of the snapshot taken before the attempt
}

// State classifies the outcome of running a single unit.
type State int

const (
	StateAlreadyApplied State = iota
	StateApplied
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAlreadyApplied:
		return "already_applied"
	case StateApplied:
		return "applied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome describes what happened to one unit during a run.
type Outcome struct {
	Unit     string
	State    State
	Snapshot string // Snapshot guarding the attempt, empty when none was taken
	Err      error  // Set when State is StateFailed
}

// Result summarizes a full run over all pending units.
type Result struct {
	Success      bool
	AppliedCount int
	FailedCount  int
	Applied      []string
	Failed       []string
}
