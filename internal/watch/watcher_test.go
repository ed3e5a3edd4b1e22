package watch

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelmcp/keel/internal/kv"
)

func newTestKV(t *testing.T) *kv.Store {
	t.Helper()

	s, err := kv.Open(filepath.Join(t.TempDir(), "keel.db"))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func set(t *testing.T, s *kv.Store, key, value string) {
	t.Helper()

	cur, err := s.Get(context.Background(), key)
	require.NoError(t, err)

	err = s.Commit(context.Background(), kv.TxOp{
		Checks:    []kv.Check{{Key: key, Revision: cur.Revision}},
		Mutations: []kv.Mutation{{Key: key, Value: []byte(value)}},
	})
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition never met")
}

func TestWatcher_SuppressesInitialSnapshot(t *testing.T) {
	kvStore := newTestKV(t)
	w := New(nil, kvStore)

	set(t, kvStore, "res", "initial")

	var fired atomic.Int64

	require.NoError(t, w.Watch(context.Background(), "res", func(kv.Entry) {
		fired.Add(1)
	}))

	defer w.Stop() //nolint:errcheck

	// The snapshot of "initial" must not fire the callback.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, fired.Load())

	set(t, kvStore, "res", "changed")
	waitFor(t, func() bool { return fired.Load() == 1 })
}

func TestWatcher_RejectsDuplicateWatch(t *testing.T) {
	w := New(nil, newTestKV(t))

	require.NoError(t, w.Watch(context.Background(), "res", func(kv.Entry) {}))

	defer w.Stop() //nolint:errcheck

	require.Error(t, w.Watch(context.Background(), "res", func(kv.Entry) {}))
}

func TestWatcher_UnwatchStopsCallbacks(t *testing.T) {
	kvStore := newTestKV(t)
	w := New(nil, kvStore)

	var fired atomic.Int64

	require.NoError(t, w.Watch(context.Background(), "res", func(kv.Entry) {
		fired.Add(1)
	}))

	set(t, kvStore, "res", "one")
	waitFor(t, func() bool { return fired.Load() == 1 })

	require.NoError(t, w.Unwatch("res"))
	require.False(t, w.Active("res"))

	// No invocation may happen once Unwatch has returned.
	set(t, kvStore, "res", "two")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), fired.Load())
}

func TestWatcher_UnwatchUnknownKeyIsNoop(t *testing.T) {
	w := New(nil, newTestKV(t))
	require.NoError(t, w.Unwatch("never-watched"))
}

func TestWatcher_StopTearsDownAllWatches(t *testing.T) {
	kvStore := newTestKV(t)
	w := New(nil, kvStore)

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, w.Watch(context.Background(), key, func(kv.Entry) {}))
	}

	require.NoError(t, w.Stop())

	for _, key := range []string{"a", "b", "c"} {
		require.False(t, w.Active(key))
	}
}
