// Package watch provides the per-key change-notification primitive the
// subscription tracker multiplexes over.
//
// The underlying kv stream emits the current value as soon as a watch is
// opened; the watcher discards that snapshot so callbacks fire only on
// genuine subsequent changes. Teardown is synchronous: once Unwatch returns,
// no further callback invocation can occur for that key.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keelmcp/keel/internal/kv"
)

// OnChange is invoked for every committed change to a watched key, never for
// the initial snapshot.
type OnChange func(entry kv.Entry)

// Watcher tracks one active kv watch per key.
type Watcher struct {
	log *slog.Logger
	kv  *kv.Store

	mu     sync.Mutex
	active map[string]*handle
}

type handle struct {
	cancel func()
	done   chan struct{}
}

// New creates a watcher over the given kv store.
func New(log *slog.Logger, kvStore *kv.Store) *Watcher {
	if log == nil {
		log = slog.Default()
	}

	return &Watcher{
		log:    log.With("component", "watcher"),
		kv:     kvStore,
		active: make(map[string]*handle, 8),
	}
}

// Watch opens a change stream on key and invokes onChange for every change
// after the initial snapshot. At most one watch may be active per key.
func (w *Watcher) Watch(ctx context.Context, key string, onChange OnChange) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.active[key]; exists {
		return fmt.Errorf("key %q is already being watched", key)
	}

	ch, cancel, err := w.kv.Watch(ctx, key)
	if err != nil {
		return fmt.Errorf("watch %q: %w", key, err)
	}

	h := &handle{cancel: cancel, done: make(chan struct{})}
	w.active[key] = h

	go w.consume(ch, h, onChange)

	w.log.Debug("watch established", "key", key)

	return nil
}

// consume drains the stream, dropping the snapshot emission.
func (w *Watcher) consume(ch <-chan kv.Entry, h *handle, onChange OnChange) {
	defer close(h.done)

	first := true

	for entry := range ch {
		if first {
			first = false

			continue
		}

		onChange(entry)
	}
}

// Unwatch cancels the stream for key and waits for the consumer loop to
// terminate before returning. Unwatching an unwatched key is a no-op.
func (w *Watcher) Unwatch(key string) error {
	w.mu.Lock()

	h, exists := w.active[key]
	if exists {
		delete(w.active, key)
	}

	w.mu.Unlock()

	if !exists {
		return nil
	}

	h.cancel()
	<-h.done

	w.log.Debug("watch torn down", "key", key)

	return nil
}

// Stop tears down every active watch concurrently, best-effort: one failing
// teardown does not block the others.
func (w *Watcher) Stop() error {
	w.mu.Lock()

	keys := make([]string, 0, len(w.active))
	for key := range w.active {
		keys = append(keys, key)
	}

	w.mu.Unlock()

	var g errgroup.Group

	for _, key := range keys {
		g.Go(func() error {
			return w.Unwatch(key)
		})
	}

	return g.Wait()
}

// Active reports whether key currently has a watch established.
func (w *Watcher) Active(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, exists := w.active[key]

	return exists
}
