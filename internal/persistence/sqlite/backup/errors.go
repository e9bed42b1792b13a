package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotVerification indicates a snapshot failed its digest or
	// engine integrity verification.
	ErrSnapshotVerification = errors.New("snapshot failed verification")

	// ErrSnapshotMissing indicates a referenced snapshot file does not exist.
	ErrSnapshotMissing = errors.New("snapshot file not found")
)

// IntegrityError reports that a freshly created snapshot failed verification
// and was discarded. The live database was never touched.
type IntegrityError struct {
	Path string // Snapshot path that failed verification
	Err  error  // Underlying verification failure
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot integrity failure for %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrSnapshotVerification || errors.Is(e.Err, target)
}

// NewIntegrityError creates an IntegrityError for the given snapshot path.
func NewIntegrityError(path string, err error) *IntegrityError {
	return &IntegrityError{Path: path, Err: err}
}

// RestoreError reports a failed restore. After the file copy has begun the
// primary database may be in an indeterminate state; operator intervention
// is required and the operation is never retried automatically.
type RestoreError struct {
	Path          string // Snapshot path used for the restore
	Indeterminate bool   // True once the primary file may have been modified
	Err           error  // Underlying failure
}

// Error implements the error interface.
func (e *RestoreError) Error() string {
	if e.Indeterminate {
		return fmt.Sprintf("restore from %s failed with the primary database in an indeterminate state: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("restore from %s aborted before modifying the primary database: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *RestoreError) Unwrap() error {
	return e.Err
}

// NewRestoreError creates a RestoreError for the given snapshot path.
func NewRestoreError(path string, indeterminate bool, err error) *RestoreError {
	return &RestoreError{Path: path, Indeterminate: indeterminate, Err: err}
}
