package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUnitName indicates a unit name does not follow the
	// <number>_<description> naming convention.
	ErrInvalidUnitName = errors.New("invalid migration unit name")

	// ErrDuplicateUnit indicates two registered units share a name.
	ErrDuplicateUnit = errors.New("duplicate migration unit")

	// ErrMissingUpgrade indicates a registered unit has no upgrade function.
	ErrMissingUpgrade = errors.New("migration unit has no upgrade")

	// ErrMissingDowngrade indicates a rollback was requested for a unit
	// that declares no downgrade.
	ErrMissingDowngrade = errors.New("migration unit has no downgrade")

	// ErrUnknownUnit indicates the named unit is not registered.
	ErrUnknownUnit = errors.New("unknown migration unit")

	// ErrNotApplied indicates a rollback was requested for a unit the
	// ledger does not record as applied.
	ErrNotApplied = errors.New("migration unit is not applied")
)

// DiscoveryError wraps a registration-time validation failure with the
// unit it concerns.
type DiscoveryError struct {
	Unit string // Unit name as registered
	Err  error  // Underlying validation failure
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("migration unit %q rejected: %v", e.Unit, e.Err)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *DiscoveryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// ApplyError wraps a failure while applying or rolling back a unit,
// carrying the snapshot that guarded the attempt and whether the
// database was restored from it.
type ApplyError struct {
	Unit     string // Unit that failed
	Snapshot string // Snapshot taken before the attempt
	Restored bool   // True when the snapshot restore succeeded
	Err      error  // Underlying failure
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	if e.Restored {
		return fmt.Sprintf("migration %q failed (database restored from %s): %v", e.Unit, e.Snapshot, e.Err)
	}
	return fmt.Sprintf("migration %q failed: %v", e.Unit, e.Err)
}

// Unwrap returns the underlying error.
func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *ApplyError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
