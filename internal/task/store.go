package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	kerrors "github.com/keelmcp/keel/internal/errors"
	"github.com/keelmcp/keel/internal/kv"
)

// Key partitions. Metadata and results never share a prefix, so prefix scans
// over one partition cannot observe writes to the other.
const (
	metaPrefix   = "task/meta/"
	resultPrefix = "task/result/"
)

const (
	// updateAttempts bounds the optimistic-concurrency retry loop for status
	// and result writes.
	updateAttempts = 5

	// createAttempts bounds the id-collision retry loop on creation.
	createAttempts = 5

	// pageSize is the fixed page size for List.
	pageSize = 10
)

// Store provides durable task records over the shared kv store.
type Store struct {
	log *slog.Logger
	kv  *kv.Store

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a task store over the given kv handle.
func NewStore(log *slog.Logger, kvStore *kv.Store) *Store {
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		log: log.With("component", "tasks"),
		kv:  kvStore,
		now: time.Now,
	}
}

func metaKey(id string) string   { return metaPrefix + id }
func resultKey(id string) string { return resultPrefix + id }

// Create inserts a fresh task in status working. The insert is conditional on
// the generated id being absent and retries with a new id on collision, up to
// the creation budget.
func (s *Store) Create(
	ctx context.Context,
	opts CreateOptions,
	requestID string,
	request json.RawMessage,
	sessionID string,
) (Task, error) {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	for range createAttempts {
		now := s.now()

		record := MetaRecord{
			Task: Task{
				ID:           ulid.Make().String(),
				Status:       StatusWorking,
				TTL:          opts.TTL,
				CreatedAt:    now,
				UpdatedAt:    now,
				PollInterval: pollInterval,
			},
			RequestID: requestID,
			Request:   request,
			SessionID: sessionID,
		}

		if opts.TTL > 0 {
			expiresAt := now.Add(opts.TTL)
			record.ExpiresAt = &expiresAt
		}

		value, err := json.Marshal(record)
		if err != nil {
			return Task{}, fmt.Errorf("marshal task record: %w", err)
		}

		err = s.kv.Commit(ctx, kv.TxOp{
			Checks:    []kv.Check{{Key: metaKey(record.Task.ID), Revision: 0}},
			Mutations: []kv.Mutation{{Key: metaKey(record.Task.ID), Value: value}},
		})
		if errors.Is(err, kerrors.ErrCommitConflict) {
			s.log.Warn("task id collision, retrying with fresh id", "task_id", record.Task.ID)

			continue
		}

		if err != nil {
			return Task{}, err
		}

		s.log.Debug("task created", "task_id", record.Task.ID, "session_id", sessionID)

		return record.Task, nil
	}

	return Task{}, kerrors.ErrCreationExhausted
}

// Get returns the task with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	record, _, err := s.getRecord(ctx, id)
	if err != nil {
		return Task{}, err
	}

	return record.Task, nil
}

// GetRecord returns the full persisted record, including request provenance
// and the expiry instant an external sweeper reconciles against.
func (s *Store) GetRecord(ctx context.Context, id string) (MetaRecord, error) {
	record, _, err := s.getRecord(ctx, id)

	return record, err
}

func (s *Store) getRecord(ctx context.Context, id string) (MetaRecord, int64, error) {
	entry, err := s.kv.Get(ctx, metaKey(id))
	if err != nil {
		return MetaRecord{}, 0, err
	}

	if !entry.Exists() {
		return MetaRecord{}, 0, fmt.Errorf("task %s: %w", id, kerrors.ErrNotFound)
	}

	var record MetaRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return MetaRecord{}, 0, fmt.Errorf("decode task %s: %w", id, err)
	}

	return record, entry.Revision, nil
}

// UpdateStatus transitions the task to newStatus. Transitions out of a
// terminal status are rejected with *TerminalStateError; racing updates
// retry under the bounded OCC loop. Transitioning into a terminal status
// recomputes the expiry window fresh from now rather than creation time.
func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus Status, message string) (Task, error) {
	if !newStatus.Valid() {
		return Task{}, fmt.Errorf("unknown task status %q", newStatus)
	}

	var updated Task

	err := s.kv.Update(ctx, metaKey(id), updateAttempts, func(cur kv.Entry) ([]kv.Mutation, error) {
		record, err := s.transition(cur, id, newStatus, message)
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal task record: %w", err)
		}

		updated = record.Task

		return []kv.Mutation{{Key: metaKey(id), Value: value}}, nil
	})
	if err != nil {
		return Task{}, err
	}

	s.log.Debug("task status updated", "task_id", id, "status", newStatus)

	return updated, nil
}

// StoreResult records a task result together with the terminal transition
// into status, in one atomic commit: result and terminal status become
// visible together or not at all.
func (s *Store) StoreResult(ctx context.Context, id string, status Status, result json.RawMessage) (Task, error) {
	if status != StatusCompleted && status != StatusFailed {
		return Task{}, fmt.Errorf("results may only accompany completed or failed, got %q", status)
	}

	var updated Task

	err := s.kv.Update(ctx, metaKey(id), updateAttempts, func(cur kv.Entry) ([]kv.Mutation, error) {
		record, err := s.transition(cur, id, status, "")
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal task record: %w", err)
		}

		updated = record.Task

		return []kv.Mutation{
			{Key: metaKey(id), Value: value},
			{Key: resultKey(id), Value: result},
		}, nil
	})
	if err != nil {
		return Task{}, err
	}

	s.log.Debug("task result stored", "task_id", id, "status", status)

	return updated, nil
}

// transition computes the updated record for one OCC attempt.
func (s *Store) transition(cur kv.Entry, id string, newStatus Status, message string) (MetaRecord, error) {
	if !cur.Exists() {
		return MetaRecord{}, fmt.Errorf("task %s: %w", id, kerrors.ErrNotFound)
	}

	var record MetaRecord
	if err := json.Unmarshal(cur.Value, &record); err != nil {
		return MetaRecord{}, fmt.Errorf("decode task %s: %w", id, err)
	}

	if record.Task.Status.Terminal() {
		return MetaRecord{}, &kerrors.TerminalStateError{TaskID: id, Status: string(record.Task.Status)}
	}

	now := s.now()

	record.Task.Status = newStatus
	record.Task.UpdatedAt = now

	if message != "" {
		record.Task.StatusMessage = message
	}

	// Terminal records get a fresh expiry window so results stay readable for
	// a full TTL after completion, not whatever is left of the original one.
	if newStatus.Terminal() && record.Task.TTL > 0 {
		expiresAt := now.Add(record.Task.TTL)
		record.ExpiresAt = &expiresAt
	}

	return record, nil
}

// GetResult returns the stored result payload. A missing task surfaces as
// ErrNotFound; an existing task without a result (still working, or cancelled
// without ever producing one) surfaces as ErrResultNotReady.
func (s *Store) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	if _, _, err := s.getRecord(ctx, id); err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, resultKey(id))
	if err != nil {
		return nil, err
	}

	if !entry.Exists() {
		return nil, fmt.Errorf("task %s: %w", id, kerrors.ErrResultNotReady)
	}

	return entry.Value, nil
}

// List returns one page of tasks in creation order, id as tie-break, along
// with the cursor for the next page ("" when done). Task ids are ULIDs, so
// the store's lexicographic key order is exactly that ordering.
func (s *Store) List(ctx context.Context, cursor string) ([]Task, string, error) {
	page, err := s.kv.List(ctx, metaPrefix, cursor, pageSize)
	if err != nil {
		return nil, "", err
	}

	tasks := make([]Task, 0, len(page.Entries))

	for _, entry := range page.Entries {
		var record MetaRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, "", fmt.Errorf("decode task at %q: %w", entry.Key, err)
		}

		tasks = append(tasks, record.Task)
	}

	return tasks, page.Cursor, nil
}
