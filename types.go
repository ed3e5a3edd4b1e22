package keel

import (
	"github.com/keelmcp/keel/internal/queue"
	"github.com/keelmcp/keel/internal/session"
	"github.com/keelmcp/keel/internal/subscribe"
	"github.com/keelmcp/keel/internal/task"
)

// Re-export the coordination-core types callers interact with.
type (
	// Task is one durably tracked unit of asynchronous work.
	Task = task.Task

	// TaskStatus is the lifecycle state of a task.
	TaskStatus = task.Status

	// TaskOptions configures task creation.
	TaskOptions = task.CreateOptions

	// TaskMetaRecord is the persisted form of a task, including request
	// provenance and the computed expiry instant.
	TaskMetaRecord = task.MetaRecord

	// EchoSpec describes one delayed-echo request for the queue.
	EchoSpec = queue.EchoSpec

	// Notifier receives resource-updated notifications from the
	// subscription tracker.
	Notifier = subscribe.Notifier

	// Transport is the protocol layer's per-session connection object.
	Transport = session.Transport

	// TransportFactory builds one transport per initialized session.
	TransportFactory = session.Factory

	// Session is one tracked session with its transport.
	Session = session.Session
)

// Task status values. Completed, failed, and cancelled are terminal and
// absorbing: once reached, no further mutation is permitted.
const (
	TaskWorking   = task.StatusWorking
	TaskCompleted = task.StatusCompleted
	TaskFailed    = task.StatusFailed
	TaskCancelled = task.StatusCancelled
)
