package kv

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kerrors "github.com/keelmcp/keel/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func put(t *testing.T, s *Store, key, value string) {
	t.Helper()

	cur, err := s.Get(context.Background(), key)
	require.NoError(t, err)

	err = s.Commit(context.Background(), TxOp{
		Checks:    []Check{{Key: key, Revision: cur.Revision}},
		Mutations: []Mutation{{Key: key, Value: []byte(value)}},
	})
	require.NoError(t, err)
}

func TestStore_GetMissingKey(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, entry.Exists())
	require.Zero(t, entry.Revision)
}

func TestStore_CommitBumpsRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "a", "one")
	put(t, s, "a", "two")

	entry, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), entry.Value)
	require.Equal(t, int64(2), entry.Revision)
}

func TestStore_CommitConflictOnStaleRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "a", "one")

	stale, err := s.Get(ctx, "a")
	require.NoError(t, err)

	put(t, s, "a", "two")

	err = s.Commit(ctx, TxOp{
		Checks:    []Check{{Key: "a", Revision: stale.Revision}},
		Mutations: []Mutation{{Key: "a", Value: []byte("three")}},
	})
	require.ErrorIs(t, err, kerrors.ErrCommitConflict)

	// The losing commit must not have been applied.
	entry, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), entry.Value)
}

func TestStore_CommitInsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := TxOp{
		Checks:    []Check{{Key: "fresh", Revision: 0}},
		Mutations: []Mutation{{Key: "fresh", Value: []byte("v")}},
	}

	require.NoError(t, s.Commit(ctx, op))
	require.ErrorIs(t, s.Commit(ctx, op), kerrors.ErrCommitConflict)
}

func TestStore_MultiKeyCommitIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "meta", "m1")

	// A failing check on one key must prevent the write to the other.
	err := s.Commit(ctx, TxOp{
		Checks: []Check{{Key: "meta", Revision: 99}},
		Mutations: []Mutation{
			{Key: "meta", Value: []byte("m2")},
			{Key: "result", Value: []byte("r1")},
		},
	})
	require.ErrorIs(t, err, kerrors.ErrCommitConflict)

	entry, err := s.Get(ctx, "result")
	require.NoError(t, err)
	require.False(t, entry.Exists())
}

func TestStore_CommitDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "gone", "v")

	cur, err := s.Get(ctx, "gone")
	require.NoError(t, err)

	err = s.Commit(ctx, TxOp{
		Checks:    []Check{{Key: "gone", Revision: cur.Revision}},
		Mutations: []Mutation{{Key: "gone", Delete: true}},
	})
	require.NoError(t, err)

	entry, err := s.Get(ctx, "gone")
	require.NoError(t, err)
	require.False(t, entry.Exists())
}

func TestStore_ListPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 25 {
		put(t, s, fmt.Sprintf("item/%03d", i), "v")
	}

	put(t, s, "other/000", "v")

	var keys []string

	cursor := ""

	for {
		page, err := s.List(ctx, "item/", cursor, 10)
		require.NoError(t, err)

		for _, e := range page.Entries {
			keys = append(keys, e.Key)
		}

		if page.Cursor == "" {
			break
		}

		cursor = page.Cursor
	}

	require.Len(t, keys, 25)
	require.IsIncreasing(t, keys)
	require.NotContains(t, keys, "other/000")
}

func TestStore_ListRejectsGarbageCursor(t *testing.T) {
	s := newTestStore(t)

	_, err := s.List(context.Background(), "item/", "not base64!!", 10)

	var invalid *kerrors.InvalidCursorError

	require.ErrorAs(t, err, &invalid)
}

func TestStore_ListRejectsForeignCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "other/000", "v")

	// A cursor pointing outside the scanned prefix is not a continuation point.
	cursor := base64.RawURLEncoding.EncodeToString([]byte("other/000"))

	_, err := s.List(ctx, "item/", cursor, 10)

	var invalid *kerrors.InvalidCursorError

	require.ErrorAs(t, err, &invalid)
}

func TestStore_ListRejectsUnknownCursorKey(t *testing.T) {
	s := newTestStore(t)

	cursor := base64.RawURLEncoding.EncodeToString([]byte("item/404"))

	_, err := s.List(context.Background(), "item/", cursor, 10)

	var invalid *kerrors.InvalidCursorError

	require.ErrorAs(t, err, &invalid)
	require.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestStore_WatchEmitsSnapshotThenChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "w", "before")

	ch, cancel, err := s.Watch(ctx, "w")
	require.NoError(t, err)

	defer cancel()

	snapshot := <-ch
	require.Equal(t, []byte("before"), snapshot.Value)

	put(t, s, "w", "after")

	change := <-ch
	require.Equal(t, []byte("after"), change.Value)
	require.Greater(t, change.Revision, snapshot.Revision)
}

func TestStore_WatchCancelClosesChannel(t *testing.T) {
	s := newTestStore(t)

	ch, cancel, err := s.Watch(context.Background(), "w")
	require.NoError(t, err)

	<-ch // snapshot

	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	require.False(t, open)
}

func TestStore_WatchMissesNoChangeAroundSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writes = 50

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := range writes {
			err := s.Commit(ctx, TxOp{
				Checks:    []Check{{Key: "hot", Revision: int64(i)}},
				Mutations: []Mutation{{Key: "hot", Value: []byte("v")}},
			})
			if err != nil {
				t.Error(err)

				return
			}
		}
	}()

	ch, cancel, err := s.Watch(ctx, "hot")
	require.NoError(t, err)

	defer cancel()

	// Every commit is in the snapshot or delivered after it; the last write
	// must surface either way, with revisions never going backwards.
	deadline := time.After(5 * time.Second)
	last := int64(-1)

	for last != writes {
		select {
		case entry := <-ch:
			require.GreaterOrEqual(t, entry.Revision, last)

			last = entry.Revision
		case <-deadline:
			t.Fatalf("never observed revision %d, stalled at %d", writes, last)
		}
	}

	<-done
}

func TestStore_ClosedStoreRejectsReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	put(t, s, "k", "v")
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, kerrors.ErrStoreClosed)

	_, err = s.List(ctx, "", "", 10)
	require.ErrorIs(t, err, kerrors.ErrStoreClosed)

	err = s.Commit(ctx, TxOp{Mutations: []Mutation{{Key: "k", Value: []byte("w")}}})
	require.ErrorIs(t, err, kerrors.ErrStoreClosed)
}

func TestStore_ReopenSeesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	err = s.Commit(ctx, TxOp{
		Checks:    []Check{{Key: "durable", Revision: 0}},
		Mutations: []Mutation{{Key: "durable", Value: []byte("v")}},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)

	defer reopened.Close()

	entry, err := reopened.Get(ctx, "durable")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), entry.Value)
}
