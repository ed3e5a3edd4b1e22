// Package queue implements the delayed task queue: the system's minimal
// durable timer. Task creation is immediate; execution is deferred through a
// persisted message delivered at-least-once to a single logical worker, which
// finalizes tasks through the task store. Duplicate delivery for one task id
// is safe because terminal statuses absorb further mutation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	kerrors "github.com/keelmcp/keel/internal/errors"
	"github.com/keelmcp/keel/internal/kv"
	"github.com/keelmcp/keel/internal/task"
)

// Queue schedules delayed messages and runs the worker that consumes them.
type Queue struct {
	log   *slog.Logger
	kv    *kv.Store
	tasks *task.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a queue over the shared kv store and task store.
func New(log *slog.Logger, kvStore *kv.Store, tasks *task.Store) *Queue {
	if log == nil {
		log = slog.Default()
	}

	return &Queue{
		log:   log.With("component", "queue"),
		kv:    kvStore,
		tasks: tasks,
	}
}

// EnqueueEcho validates spec and schedules it for delivery after its delay.
func (q *Queue) EnqueueEcho(ctx context.Context, spec EchoSpec) error {
	spec.Type = TypeEcho

	if err := validateEchoSpec(spec); err != nil {
		return err
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal echo message: %w", err)
	}

	delay := time.Duration(spec.DelayMs) * time.Millisecond

	if err := q.kv.Enqueue(ctx, payload, delay); err != nil {
		return err
	}

	q.log.Debug("echo scheduled", "task_id", spec.TaskID, "delay_ms", spec.DelayMs)

	return nil
}

// StartWorker begins consuming queue messages. A second call while the worker
// is running is a no-op sharing the in-flight loop.
func (q *Queue) StartWorker(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	q.cancel = cancel
	q.done = done
	q.running = true

	go func() {
		defer close(done)

		err := q.kv.Listen(workerCtx, q.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Error("worker loop exited", "error", err)
		}
	}()

	q.log.Debug("worker started")
}

// StopWorker stops the worker cooperatively: the flag is checked before each
// message, so an in-flight message still completes. Stopping a stopped worker
// is a no-op.
func (q *Queue) StopWorker() {
	q.mu.Lock()

	if !q.running {
		q.mu.Unlock()

		return
	}

	cancel := q.cancel
	done := q.done

	q.running = false
	q.cancel = nil
	q.done = nil

	q.mu.Unlock()

	cancel()
	<-done

	q.log.Debug("worker stopped")
}

// Running reports whether the worker loop is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.running
}

// handle processes one delivered message. It always acknowledges: a failed
// computation degrades the task instead of crashing or wedging the loop.
func (q *Queue) handle(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		q.log.Warn("dropping undecodable queue message", "error", err)

		return nil
	}

	switch env.Type {
	case TypeEcho:
		q.handleEcho(ctx, payload)
	default:
		// Forward compatibility: newer producers may enqueue kinds this
		// worker does not know yet.
		q.log.Debug("skipping unrecognized queue message", "type", env.Type)
	}

	return nil
}

func (q *Queue) handleEcho(ctx context.Context, payload []byte) {
	var spec EchoSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		q.log.Warn("dropping malformed echo message", "error", err)

		return
	}

	result, err := echoResult(spec.Text)
	if err != nil {
		q.finalizeFailed(ctx, spec.TaskID, fmt.Sprintf("echo failed: %v", err))

		return
	}

	_, err = q.tasks.StoreResult(ctx, spec.TaskID, task.StatusCompleted, result)
	if err == nil {
		q.log.Debug("echo completed", "task_id", spec.TaskID)

		return
	}

	// A terminal task means this is a duplicate delivery; the first result
	// stands and there is nothing to repair.
	var terminal *kerrors.TerminalStateError
	if errors.As(err, &terminal) {
		q.log.Debug("duplicate echo delivery ignored", "task_id", spec.TaskID, "status", terminal.Status)

		return
	}

	q.finalizeFailed(ctx, spec.TaskID, fmt.Sprintf("store result: %v", err))
}

// finalizeFailed degrades the task to failed with a diagnostic. Errors from
// the finalize write itself are logged and swallowed so the worker loop never
// crashes; a task stuck in working is left for the stale-task sweep.
func (q *Queue) finalizeFailed(ctx context.Context, taskID, diagnostic string) {
	if _, err := q.tasks.UpdateStatus(ctx, taskID, task.StatusFailed, diagnostic); err != nil {
		q.log.Warn("could not finalize failed task", "task_id", taskID, "error", err)
	}
}

// echoResult shapes the delayed-echo payload as an MCP tool result.
func echoResult(text string) (json.RawMessage, error) {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "Echo: " + text},
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal echo result: %w", err)
	}

	return data, nil
}
