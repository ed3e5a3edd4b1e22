package keel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keelmcp/keel/internal/event"
	"github.com/keelmcp/keel/internal/kv"
	"github.com/keelmcp/keel/internal/lifecycle"
	"github.com/keelmcp/keel/internal/queue"
	"github.com/keelmcp/keel/internal/session"
	"github.com/keelmcp/keel/internal/subscribe"
	"github.com/keelmcp/keel/internal/task"
	"github.com/keelmcp/keel/internal/watch"
)

// State is the coordinator's lifecycle state.
type State int

const (
	// StateRunning means the coordinator is open and serving.
	StateRunning State = iota

	// StateDraining means shutdown has begun: no new work is accepted while
	// in-flight operations complete.
	StateDraining

	// StateStopped means the coordinator has released all resources.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Coordinator wires the coordination components over one shared store handle.
// Construct it with Open and release it with Close.
type Coordinator struct {
	log *slog.Logger

	lifecycle *lifecycle.Manager
	tasks     *task.Store
	queue     *queue.Queue
	watcher   *watch.Watcher
	subs      *subscribe.Tracker
	events    *event.Store
	sessions  *session.Manager

	mu    sync.Mutex
	state State
}

// Open opens the store at the configured path and wires every component over
// the shared handle.
func Open(ctx context.Context, opts ...Option) (*Coordinator, error) {
	options := applyOptions(opts)

	if options.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	var kvOpts []kv.Option

	kvOpts = append(kvOpts, kv.WithLogger(log))

	if options.QueuePollInterval > 0 {
		kvOpts = append(kvOpts, kv.WithQueuePollInterval(options.QueuePollInterval))
	}

	manager := lifecycle.NewManager(log, options.Path, kvOpts...)

	store, err := manager.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	factory := options.TransportFactory
	if factory == nil {
		factory = func(context.Context, string, *mcp.InitializeParams) (session.Transport, error) {
			return nil, fmt.Errorf("no transport factory configured")
		}
	}

	tasks := task.NewStore(log, store)
	events := event.NewStore(log, store)
	watcher := watch.New(log, store)

	c := &Coordinator{
		log:       log.With("component", "coordinator"),
		lifecycle: manager,
		tasks:     tasks,
		queue:     queue.New(log, store, tasks),
		watcher:   watcher,
		subs:      subscribe.NewTracker(log, watcher),
		events:    events,
		sessions:  session.NewManager(log, factory, events),
		state:     StateRunning,
	}

	c.log.Info("coordinator open", "path", options.Path)

	return c, nil
}

// Tasks returns the durable task store.
func (c *Coordinator) Tasks() *task.Store { return c.tasks }

// Queue returns the delayed task queue.
func (c *Coordinator) Queue() *queue.Queue { return c.queue }

// Subscriptions returns the refcounted resource subscription tracker.
func (c *Coordinator) Subscriptions() *subscribe.Tracker { return c.subs }

// Events returns the append-only event store.
func (c *Coordinator) Events() *event.Store { return c.events }

// Sessions returns the session/transport manager.
func (c *Coordinator) Sessions() *session.Manager { return c.sessions }

// Store returns the lifecycle manager owning the shared store handle.
func (c *Coordinator) Store() *lifecycle.Manager { return c.lifecycle }

// State returns the coordinator's lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Run starts the queue worker and blocks until ctx is cancelled, then drains
// and closes the coordinator. It is a convenience for servers that tie the
// coordinator's life to a shutdown signal.
func (c *Coordinator) Run(ctx context.Context) error {
	c.queue.StartWorker(ctx)

	<-ctx.Done()

	if err := c.Close(); err != nil {
		return err
	}

	return ctx.Err()
}

// Close drains and stops the coordinator: the queue worker stops after its
// in-flight message, sessions and watches are torn down best-effort, and the
// store handle is released last. Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()

	if c.state != StateRunning {
		c.mu.Unlock()

		return nil
	}

	c.state = StateDraining

	c.mu.Unlock()

	c.log.Info("coordinator draining")

	c.queue.StopWorker()

	var errs []error

	if err := c.sessions.ReleaseAll(); err != nil {
		errs = append(errs, fmt.Errorf("release sessions: %w", err))
	}

	if err := c.subs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close subscriptions: %w", err))
	}

	if err := c.lifecycle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.log.Info("coordinator stopped")

	return errors.Join(errs...)
}
