// Package subscribe implements the refcounted resource subscription tracker:
// many logical subscribers multiplexed onto one underlying watch per
// resource key.
//
// The underlying watch is established exactly once on the 0→1 subscriber
// transition and torn down exactly once on 1→0. Fan-out failures are logged
// and contained; a failing notifier stays registered until it explicitly
// unsubscribes. Auto-eviction after repeated failures is a policy for callers
// to layer on top, not a behavior of the tracker.
package subscribe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/keelmcp/keel/internal/kv"
	"github.com/keelmcp/keel/internal/watch"
)

// resourcePrefix is the kv partition holding per-resource state.
const resourcePrefix = "resource/"

// Notifier receives resource-updated notifications. Implementations must be
// comparable; the tracker identifies them by equality on unsubscribe.
type Notifier interface {
	NotifyResourceUpdated(ctx context.Context, uri string) error
}

// Tracker multiplexes subscribers over per-key watches.
type Tracker struct {
	log     *slog.Logger
	watcher *watch.Watcher

	mu   sync.Mutex
	subs map[string][]Notifier
}

// NewTracker creates a tracker over the given watcher.
func NewTracker(log *slog.Logger, watcher *watch.Watcher) *Tracker {
	if log == nil {
		log = slog.Default()
	}

	return &Tracker{
		log:     log.With("component", "subscriptions"),
		watcher: watcher,
		subs:    make(map[string][]Notifier, 8),
	}
}

// Subscribe registers notifier under uri. The first subscriber for a uri
// establishes the underlying watch; later subscribers reuse it. Subscribing
// the same notifier twice for one uri is a no-op.
func (t *Tracker) Subscribe(ctx context.Context, notifier Notifier, uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.subs[uri]

	for _, n := range existing {
		if n == notifier {
			return nil
		}
	}

	if len(existing) == 0 {
		onChange := func(kv.Entry) { t.fanOut(uri) }

		if err := t.watcher.Watch(ctx, resourceKey(uri), onChange); err != nil {
			return err
		}
	}

	t.subs[uri] = append(existing, notifier)

	t.log.Debug("subscriber added", "uri", uri, "subscribers", len(t.subs[uri]))

	return nil
}

// Unsubscribe removes notifier from uri. Removing the last subscriber tears
// the underlying watch down; removing an already-removed notifier is a no-op.
func (t *Tracker) Unsubscribe(notifier Notifier, uri string) error {
	t.mu.Lock()

	existing := t.subs[uri]
	remaining := make([]Notifier, 0, len(existing))

	for _, n := range existing {
		if n != notifier {
			remaining = append(remaining, n)
		}
	}

	if len(remaining) == len(existing) {
		t.mu.Unlock()

		return nil
	}

	lastLeft := len(remaining) == 0
	if lastLeft {
		delete(t.subs, uri)
	} else {
		t.subs[uri] = remaining
	}

	t.mu.Unlock()

	t.log.Debug("subscriber removed", "uri", uri, "subscribers", len(remaining))

	if lastLeft {
		return t.watcher.Unwatch(resourceKey(uri))
	}

	return nil
}

// IsSubscribed reports whether uri has at least one subscriber.
func (t *Tracker) IsSubscribed(uri string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.subs[uri]) > 0
}

// Close tears down all underlying watches. Subscriber registrations are
// dropped.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.subs = make(map[string][]Notifier)
	t.mu.Unlock()

	return t.watcher.Stop()
}

// fanOut delivers one change to every currently-registered notifier for uri.
// Failures are logged and do not affect delivery to sibling notifiers.
func (t *Tracker) fanOut(uri string) {
	t.mu.Lock()
	notifiers := make([]Notifier, len(t.subs[uri]))
	copy(notifiers, t.subs[uri])
	t.mu.Unlock()

	for _, n := range notifiers {
		if err := n.NotifyResourceUpdated(context.Background(), uri); err != nil {
			t.log.Warn("notifier failed, keeping registration", "uri", uri, "error", err)
		}
	}
}

func resourceKey(uri string) string { return resourcePrefix + uri }
