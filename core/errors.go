/*
errors.go - Centralized error types for the deduplication engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Referenced client, flag, upload or program missing
  2. Validation errors - Input the engine refuses (self-merge, bad interval)
  3. Row errors - Per-row problems collected during an upload, never returned
  4. Merge errors - A merge stage failed; the whole merge rolled back

USAGE:
  if errors.Is(err, core.ErrClientNotFound) {
      // 404
  }

  var mErr *core.MergeError
  if errors.As(err, &mErr) {
      log.Warn("merge failed", zap.String("stage", mErr.Stage))
  }

SEE ALSO:
  - upload/errors.go: Upload error codes built on top of these
  - store/sqlite: Maps constraint violations onto these sentinels
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrClientNotFound is returned when a referenced client doesn't exist.
	ErrClientNotFound = errors.New("client not found")

	// ErrDuplicateNotFound is returned when a duplicate flag doesn't exist.
	ErrDuplicateNotFound = errors.New("duplicate record not found")

	// ErrUploadNotFound is returned when an upload log doesn't exist.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrProgramNotFound is returned when a program name or id can't be resolved.
	ErrProgramNotFound = errors.New("program not found")

	// ErrEnrollmentNotFound is returned when an enrollment doesn't exist.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrSelfMerge is returned when a client would be merged into itself.
	ErrSelfMerge = errors.New("cannot merge a client into itself")

	// ErrPairAlreadyFlagged is returned when a pending flag already exists
	// for the same unordered pair.
	ErrPairAlreadyFlagged = errors.New("pair already flagged as pending duplicate")

	// ErrAlreadyResolved is returned when acting on a flag that is no longer pending.
	ErrAlreadyResolved = errors.New("duplicate record already resolved")

	// ErrInvalidInterval is returned when an interval has no usable start.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidFieldChoice is returned for an unknown merge field or choice.
	ErrInvalidFieldChoice = errors.New("invalid field choice")

	// ErrStoreRequired is returned when an operation requires a specific store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RowError describes a problem with one upload row. Row errors are collected
// into the upload result; they never abort the upload.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

// MergeError reports the stage at which an identity merge failed.
type MergeError struct {
	PrimaryID   ClientID
	DuplicateID ClientID
	Stage       string // e.g. "load", "fields", "enrollments", "delete"
	Err         error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %d into %d failed at %s: %v", e.DuplicateID, e.PrimaryID, e.Stage, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSelfMerge) ||
		errors.Is(err, ErrPairAlreadyFlagged) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidFieldChoice)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrDuplicateNotFound) ||
		errors.Is(err, ErrUploadNotFound) ||
		errors.Is(err, ErrProgramNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound)
}
