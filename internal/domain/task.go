// Package domain holds the shared task model, worker status taxonomy and the
// ports implemented by the store, broker and agent adapters.
package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Default caps applied when a submission leaves the field unset.
const (
	DefaultMaxMandateLength = 50000
	DefaultMaxTicks         = 200
)

// TaskState is the canonical (internal) task state machine:
//
//	pending -> accepted -> in_progress -> completed
//	pending|accepted|in_progress -> failed
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskAccepted   TaskState = "accepted"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskAccepted, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal states never regress.
func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// CanTransitionTo reports whether the state machine permits moving to next.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskPending:
		return next == TaskAccepted || next == TaskFailed
	case TaskAccepted:
		return next == TaskInProgress || next == TaskFailed
	case TaskInProgress:
		return next == TaskCompleted || next == TaskFailed
	}
	return false
}

// rank orders states for merge tie-breaks: pending < accepted < in_progress < terminal.
func (s TaskState) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskAccepted:
		return 1
	case TaskInProgress:
		return 2
	case TaskCompleted, TaskFailed:
		return 3
	}
	return -1
}

// External maps the canonical state to the vocabulary exposed to API callers.
func (s TaskState) External() string {
	switch s {
	case TaskPending:
		return "in_queue"
	case TaskAccepted, TaskInProgress:
		return "in_progress"
	default:
		return string(s)
	}
}

// TaskResult is the structured deliverable populated on terminal states.
type TaskResult struct {
	Success      bool     `json:"success"`
	Deliverables []string `json:"deliverables"`
	Notes        string   `json:"notes,omitempty"`
}

// TaskRecord is the canonical per-task entity shared by the fast and durable
// stores. UserID may be empty on anonymous fast-store paths but is required
// for durable writes.
type TaskRecord struct {
	CorrelationID string      `json:"correlation_id"`
	UserID        string      `json:"user_id,omitempty"`
	Mandate       string      `json:"mandate"`
	Status        TaskState   `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Tick          int         `json:"tick"`
	MaxTicks      int         `json:"max_ticks"`
	Result        *TaskResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// TaskUpdate is a sparse partial applied over an existing record. Nil fields
// are left untouched; the store sets UpdatedAt on every apply.
type TaskUpdate struct {
	Status   *TaskState  `json:"status,omitempty"`
	Mandate  *string     `json:"mandate,omitempty"`
	Tick     *int        `json:"tick,omitempty"`
	MaxTicks *int        `json:"max_ticks,omitempty"`
	Result   *TaskResult `json:"result,omitempty"`
	Error    *string     `json:"error,omitempty"`
}

// Apply merges u over rec in place and stamps UpdatedAt. Applying the same
// update twice leaves the record equal modulo UpdatedAt.
func (u TaskUpdate) Apply(rec *TaskRecord, now time.Time) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Mandate != nil {
		rec.Mandate = *u.Mandate
	}
	if u.Tick != nil {
		rec.Tick = *u.Tick
	}
	if u.MaxTicks != nil {
		rec.MaxTicks = *u.MaxTicks
	}
	if u.Result != nil {
		rec.Result = u.Result
	}
	if u.Error != nil {
		rec.Error = *u.Error
	}
	rec.UpdatedAt = now.UTC()
}

// MergeRecords resolves an apparent conflict between the fast-store and
// durable-store views of one task. The record with the greater UpdatedAt wins;
// on a tie the more advanced status wins. Either argument may be nil.
func MergeRecords(fast, durable *TaskRecord) *TaskRecord {
	switch {
	case fast == nil:
		return durable
	case durable == nil:
		return fast
	}
	if fast.UpdatedAt.After(durable.UpdatedAt) {
		return fast
	}
	if durable.UpdatedAt.After(fast.UpdatedAt) {
		return durable
	}
	if fast.Status.rank() >= durable.Status.rank() {
		return fast
	}
	return durable
}

// TaskEnvelope is the broker message carrying the work order. The record is
// the state; the envelope is only what a worker needs to start.
type TaskEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks"`
}

// Validate checks the protocol-level requirements on a delivered envelope.
// Invalid envelopes are dropped by the worker after logging.
func (e TaskEnvelope) Validate(maxMandateLen int) error {
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidArgument)
	}
	if e.Mandate == "" {
		return fmt.Errorf("%w: missing mandate", ErrInvalidArgument)
	}
	if maxMandateLen > 0 && utf8.RuneCountInString(e.Mandate) > maxMandateLen {
		return fmt.Errorf("%w: mandate exceeds %d characters", ErrInvalidArgument, maxMandateLen)
	}
	if e.MaxTicks <= 0 {
		return fmt.Errorf("%w: max_ticks must be positive", ErrInvalidArgument)
	}
	return nil
}
