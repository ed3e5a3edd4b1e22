package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalStateError_Message(t *testing.T) {
	err := &TerminalStateError{TaskID: "01ABC", Status: "completed"}
	require.Contains(t, err.Error(), "01ABC")
	require.Contains(t, err.Error(), "completed")
	require.True(t, err.IsKeelError())
}

func TestConfigConflictError_Message(t *testing.T) {
	err := &ConfigConflictError{OpenPath: "/var/a.db", RequestedPath: "/var/b.db"}
	require.Contains(t, err.Error(), "/var/a.db")
	require.Contains(t, err.Error(), "/var/b.db")
}

func TestInvalidCursorError_Unwrap(t *testing.T) {
	cause := stderrors.New("no such key")
	err := &InvalidCursorError{Cursor: "abc", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "abc")
}

func TestInvalidCursorError_NoCause(t *testing.T) {
	err := &InvalidCursorError{Cursor: "abc"}
	require.Contains(t, err.Error(), "abc")
	require.NoError(t, err.Unwrap())
}

func TestErrorsAs_TypedErrors(t *testing.T) {
	var terminal *TerminalStateError

	wrapped := stderrors.Join(stderrors.New("outer"), &TerminalStateError{TaskID: "x", Status: "failed"})
	require.True(t, stderrors.As(wrapped, &terminal))
	require.Equal(t, "x", terminal.TaskID)
}
