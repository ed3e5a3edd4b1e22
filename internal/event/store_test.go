package event

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelmcp/keel/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	kvStore, err := kv.Open(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)

	t.Cleanup(func() { kvStore.Close() })

	return NewStore(nil, kvStore)
}

func TestStore_EventIDsSortChronologically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, 20)

	for i := range 20 {
		id, err := s.Append(ctx, "stream-a", []byte(fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	require.IsIncreasing(t, ids)
}

func TestStore_AppendRejectsInvalidStreamID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Append(context.Background(), "", []byte("x"))
	require.Error(t, err)

	_, err = s.Append(context.Background(), "has_underscore", []byte("x"))
	require.Error(t, err)
}

func TestStore_ReplayAfterUnknownIDReturnsEmptyMarker(t *testing.T) {
	s := newTestStore(t)

	streamID, err := s.ReplayAfter(context.Background(), "stream-a_01UNKNOWNEVENTID", func(string, []byte) error {
		t.Fatal("nothing should be replayed")

		return nil
	})
	require.NoError(t, err)
	require.Empty(t, streamID)
}

func TestStore_ReplayAfterMalformedID(t *testing.T) {
	s := newTestStore(t)

	streamID, err := s.ReplayAfter(context.Background(), "no-underscore-here", func(string, []byte) error {
		t.Fatal("nothing should be replayed")

		return nil
	})
	require.NoError(t, err)
	require.Empty(t, streamID)
}

func TestStore_ReplayAfterDeliversStrictlyLaterEventsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string

	for i := range 5 {
		id, err := s.Append(ctx, "stream-a", []byte(fmt.Sprintf("a-%d", i)))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	// Interleave another stream; it must not leak into the replay.
	_, err := s.Append(ctx, "stream-b", []byte("b-0"))
	require.NoError(t, err)

	var (
		gotIDs  []string
		gotMsgs []string
	)

	streamID, err := s.ReplayAfter(ctx, ids[1], func(eventID string, message []byte) error {
		gotIDs = append(gotIDs, eventID)
		gotMsgs = append(gotMsgs, string(message))

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "stream-a", streamID)
	require.Equal(t, ids[2:], gotIDs)
	require.Equal(t, []string{"a-2", "a-3", "a-4"}, gotMsgs)
}

func TestStore_ReplayAfterTailReturnsNoEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last := ""

	for i := range 3 {
		id, err := s.Append(ctx, "stream-a", []byte(fmt.Sprintf("a-%d", i)))
		require.NoError(t, err)

		last = id
	}

	delivered := 0

	streamID, err := s.ReplayAfter(ctx, last, func(string, []byte) error {
		delivered++

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "stream-a", streamID)
	require.Zero(t, delivered)
}

func TestStore_ReplaySenderErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, "stream-a", []byte("a-0"))
	require.NoError(t, err)

	for i := 1; i < 4; i++ {
		_, err := s.Append(ctx, "stream-a", []byte(fmt.Sprintf("a-%d", i)))
		require.NoError(t, err)
	}

	calls := 0

	_, err = s.ReplayAfter(ctx, first, func(string, []byte) error {
		calls++

		return fmt.Errorf("transport gone")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
