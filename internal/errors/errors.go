package errors

import (
	"errors"
	"fmt"
)

// KeelError is the base interface for all coordination-core errors.
type KeelError interface {
	error
	IsKeelError() bool
}

// Compile-time verification that all error types implement KeelError.
var (
	_ KeelError = (*TerminalStateError)(nil)
	_ KeelError = (*ConfigConflictError)(nil)
	_ KeelError = (*InvalidCursorError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrResultNotReady indicates a task exists but has not produced a result.
	// A cancelled task may stay in this state forever.
	ErrResultNotReady = errors.New("task result not ready")

	// ErrConcurrencyExhausted indicates an optimistic-concurrency retry budget
	// was spent without a successful commit.
	ErrConcurrencyExhausted = errors.New("concurrent update retries exhausted")

	// ErrCreationExhausted indicates the id-collision retry budget was spent
	// without inserting a fresh record.
	ErrCreationExhausted = errors.New("task creation retries exhausted")

	// ErrSessionNotFound indicates no live session matches the request and the
	// request body is not an initialize message.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCommitConflict indicates a conditional commit lost a revision race.
	// Callers inside a bounded retry loop re-read and try again.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrStoreClosed indicates an operation was attempted on a closed store.
	ErrStoreClosed = errors.New("store closed")

	// ErrStoreNotOpen indicates the store lifecycle manager has no open handle.
	ErrStoreNotOpen = errors.New("store not open")
)

// TerminalStateError indicates a mutation was attempted on a task whose
// status is already terminal. Terminal statuses are absorbing.
type TerminalStateError struct {
	TaskID string
	Status string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("task %s is already %s and cannot be modified", e.TaskID, e.Status)
}

// IsKeelError implements KeelError.
func (e *TerminalStateError) IsKeelError() bool { return true }

// ConfigConflictError indicates the store path was reconfigured while the
// store was already open at a different path.
type ConfigConflictError struct {
	OpenPath      string
	RequestedPath string
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("store already open at %q, cannot reconfigure to %q", e.OpenPath, e.RequestedPath)
}

// IsKeelError implements KeelError.
func (e *ConfigConflictError) IsKeelError() bool { return true }

// InvalidCursorError indicates a pagination cursor does not resolve to a
// continuation point in the underlying store.
type InvalidCursorError struct {
	Cursor string
	Err    error
}

func (e *InvalidCursorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid cursor %q: %v", e.Cursor, e.Err)
	}

	return fmt.Sprintf("invalid cursor %q", e.Cursor)
}

func (e *InvalidCursorError) Unwrap() error {
	return e.Err
}

// IsKeelError implements KeelError.
func (e *InvalidCursorError) IsKeelError() bool { return true }
