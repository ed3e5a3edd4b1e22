// Package task implements the durable task store: records with a
// terminal-absorbing status state machine, mutated only through bounded
// optimistic-concurrency loops against the kv store.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the caller-visible view of one tracked unit of asynchronous work.
type Task struct {
	ID            string        `json:"id"`
	Status        Status        `json:"status"`
	TTL           time.Duration `json:"ttl,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	PollInterval  time.Duration `json:"pollInterval"`
	StatusMessage string        `json:"statusMessage,omitempty"`
}

// MetaRecord is the persisted form of a task: the task itself plus the
// originating request and the computed absolute expiry instant. One record
// per task id, under the task metadata partition.
type MetaRecord struct {
	Task      Task            `json:"task"`
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// CreateOptions configures a new task.
type CreateOptions struct {
	// TTL bounds how long the record is considered live. Zero means no expiry.
	TTL time.Duration

	// PollInterval hints how often clients should poll for status. Zero
	// selects the default.
	PollInterval time.Duration
}

const defaultPollInterval = 500 * time.Millisecond
