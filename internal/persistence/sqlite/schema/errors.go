package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrTableNotFound indicates the requested table is absent from the catalog.
	ErrTableNotFound = errors.New("table not found")

	// ErrColumnExists indicates a target column name is already taken.
	ErrColumnExists = errors.New("column already exists")

	// ErrColumnNotFound indicates a referenced column is absent.
	ErrColumnNotFound = errors.New("column not found")

	// ErrShadowTableExists indicates the rebuild working table name is taken,
	// likely left behind by an interrupted rebuild.
	ErrShadowTableExists = errors.New("shadow table already exists")

	// ErrNoColumnsLeft indicates a drop would remove every column of a table.
	ErrNoColumnsLeft = errors.New("operation would leave table without columns")
)

// NotFoundError reports a missing table.
type NotFoundError struct {
	Table string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("table %q not found in catalog", e.Table)
}

// Is checks if the error matches a target error.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrTableNotFound
}

// RebuildError wraps a failure inside a table rebuild with the stage it
// occurred in and whether the pre-operation snapshot was restored.
type RebuildError struct {
	Table    string // Table being rebuilt
	Stage    Stage  // Stage the failure occurred in
	Restored bool   // True when the snapshot restore succeeded
	Err      error  // Underlying failure
}

// Error implements the error interface.
func (e *RebuildError) Error() string {
	if e.Restored {
		return fmt.Sprintf("rebuild of %q failed during %s (database restored from snapshot): %v", e.Table, e.Stage, e.Err)
	}
	return fmt.Sprintf("rebuild of %q failed during %s: %v", e.Table, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *RebuildError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *RebuildError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
