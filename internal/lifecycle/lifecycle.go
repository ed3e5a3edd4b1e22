// Package lifecycle manages the process-wide store handle.
//
// The manager is an explicit context object rather than package-global state:
// construct one, hand it to collaborators, and drive configure/open/close
// through it. Open is memoized so concurrent callers share a single in-flight
// open; Close resets the manager so a later Open yields a fresh handle, which
// is how tests simulate a process restart.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	kerrors "github.com/keelmcp/keel/internal/errors"
	"github.com/keelmcp/keel/internal/kv"
)

// Manager owns the lifecycle of the shared kv.Store handle.
type Manager struct {
	log *slog.Logger

	mu     sync.Mutex
	path   string
	handle *kv.Store
	opts   []kv.Option

	group singleflight.Group
}

// NewManager creates a manager that will open the store at path.
// Extra kv options are forwarded to every open.
func NewManager(log *slog.Logger, path string, opts ...kv.Option) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:  log.With("component", "lifecycle"),
		path: path,
		opts: opts,
	}
}

// ConfigurePath points the manager at path. Reconfiguring to the same path is
// idempotent at any time; changing the path while a handle is open is a
// caller error surfaced as *ConfigConflictError.
func (m *Manager) ConfigurePath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil && m.path != path {
		return &kerrors.ConfigConflictError{OpenPath: m.path, RequestedPath: path}
	}

	m.path = path

	return nil
}

// Path returns the currently configured database path.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.path
}

// Open returns the shared store handle, opening it on first use. Concurrent
// callers share one in-flight open; the store is never opened twice.
func (m *Manager) Open(ctx context.Context) (*kv.Store, error) {
	m.mu.Lock()

	if m.handle != nil {
		handle := m.handle
		m.mu.Unlock()

		return handle, nil
	}

	path := m.path
	m.mu.Unlock()

	handle, err, shared := m.group.Do("open", func() (any, error) {
		store, err := kv.Open(path, m.opts...)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.handle = store
		m.mu.Unlock()

		return store, nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug("store handle ready", "path", path, "shared_open", shared)

	return handle.(*kv.Store), nil
}

// Current returns the open handle, or ErrStoreNotOpen if Open has not run.
func (m *Manager) Current() (*kv.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil, kerrors.ErrStoreNotOpen
	}

	return m.handle, nil
}

// Close releases the handle and resets the manager. A subsequent Open yields
// a fresh handle at the configured path. Close without an open handle is a
// no-op.
func (m *Manager) Close() error {
	m.mu.Lock()

	handle := m.handle
	m.handle = nil

	m.mu.Unlock()

	// Forget the memoized open so the next Open starts from scratch.
	m.group.Forget("open")

	if handle == nil {
		return nil
	}

	m.log.Debug("closing store handle", "path", m.path)

	return handle.Close()
}
