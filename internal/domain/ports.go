package domain

import (
	"context"
	"time"
)

// Context aliases the standard context so adapter signatures read uniformly.
type Context = context.Context

// TaskFastStore is the low-latency mutable view of in-flight tasks.
// Keys are task:{correlation_id}; values are JSON-encoded TaskRecords.
type TaskFastStore interface {
	// CreateTask writes the record. A collision on correlation id is treated
	// as a no-op update so client retries stay idempotent.
	CreateTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, correlationID string) (TaskRecord, error)
	// UpdateTask merges the partial over the existing record. It does not
	// create missing records.
	UpdateTask(ctx context.Context, correlationID string, upd TaskUpdate) error
	// UpdateTaskResilient retries under maxWait and creates the record when
	// absent, so a terminal status survives a store flap.
	UpdateTaskResilient(ctx context.Context, correlationID string, upd TaskUpdate, maxWait time.Duration) error
	DeleteTask(ctx context.Context, correlationID string) (bool, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
}

// WorkerFastStore publishes worker liveness and busy/free state under
// worker:{worker_id} keys with a TTL refreshed by the presence heartbeat.
type WorkerFastStore interface {
	PublishWorkerStatus(ctx context.Context, ws WorkerStatus, ttl time.Duration) error
	PublishWorkerStatusResilient(ctx context.Context, ws WorkerStatus, ttl, maxWait time.Duration) error
	WorkerCount(ctx context.Context) (int, error)
	ActiveWorkers(ctx context.Context) ([]WorkerStatus, error)
}

// TaskDurableStore is the authoritative per-user record store. The caller's
// principal travels in the context (see internal/auth); rows are scoped to it.
type TaskDurableStore interface {
	// CreateTask is idempotent: a correlation id collision is an update.
	CreateTask(ctx context.Context, rec TaskRecord, userID string) error
	GetTask(ctx context.Context, correlationID string) (TaskRecord, error)
	UpdateTask(ctx context.Context, correlationID string, upd TaskUpdate) error
	ListTasks(ctx context.Context, userID string) ([]TaskRecord, error)
}

// Broker is a durable work queue with at-least-once delivery and manual ack.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsReady(ctx context.Context) bool
	PublishTask(ctx context.Context, env TaskEnvelope) error
	// ConsumeTasks blocks, delivering envelopes one at a time. The envelope is
	// acked when handler returns nil; an error requeues it.
	ConsumeTasks(ctx context.Context, handler func(context.Context, TaskEnvelope) error) error
	QueueDepth(ctx context.Context) (int64, error)
}

// Quota consumes units of a user's daily tick allowance.
type Quota interface {
	CheckAndConsume(ctx context.Context, userID, email string, units int) (allowed bool, remaining int64, err error)
}

// AgentRunner is the black-box reasoning engine: given a mandate and tick
// budget it returns a deliverable and the ticks it spent. progress is invoked
// after each completed tick and must be cheap and non-blocking.
type AgentRunner interface {
	RunMandate(ctx context.Context, env TaskEnvelope, progress func(tick int)) (AgentOutcome, error)
}

// TaskProtection keeps the worker instance from being scaled down while it
// holds work. Both calls are best-effort.
type TaskProtection interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}
