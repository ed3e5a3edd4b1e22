package keel

import "github.com/keelmcp/keel/internal/errors"

// Re-export error types from internal package

// TerminalStateError indicates a mutation was attempted on a task whose
// status is already terminal.
type TerminalStateError = errors.TerminalStateError

// ConfigConflictError indicates the store path was reconfigured while open
// at a different path.
type ConfigConflictError = errors.ConfigConflictError

// InvalidCursorError indicates a pagination cursor does not resolve to a
// continuation point.
type InvalidCursorError = errors.InvalidCursorError

// KeelError is the base interface for all coordination-core errors.
type KeelError = errors.KeelError

// Re-export sentinel errors from internal package.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.ErrNotFound

	// ErrResultNotReady indicates a task exists but has not produced a result.
	ErrResultNotReady = errors.ErrResultNotReady

	// ErrConcurrencyExhausted indicates an OCC retry budget was spent without
	// a successful commit.
	ErrConcurrencyExhausted = errors.ErrConcurrencyExhausted

	// ErrCreationExhausted indicates the id-collision retry budget was spent.
	ErrCreationExhausted = errors.ErrCreationExhausted

	// ErrCommitConflict indicates a conditional store commit lost a race:
	// some checked key moved between read and write.
	ErrCommitConflict = errors.ErrCommitConflict

	// ErrSessionNotFound indicates no live session matches the request and
	// the request body is not an initialize message.
	ErrSessionNotFound = errors.ErrSessionNotFound

	// ErrStoreClosed indicates an operation was attempted on a closed store.
	ErrStoreClosed = errors.ErrStoreClosed

	// ErrStoreNotOpen indicates the lifecycle manager has no open handle.
	ErrStoreNotOpen = errors.ErrStoreNotOpen
)
