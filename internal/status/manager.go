// Package status is the single authority for task- and worker-status writes
// from the worker side. Writes never raise to the caller: a failed write is
// buffered and retried by a background loop until it succeeds or ages out.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/observability"
)

// DefaultPendingCap bounds the task pending-update buffer.
const DefaultPendingCap = 1024

type pendingTask struct {
	correlationID string
	update        domain.TaskUpdate
	resilient     bool
	enqueuedAt    time.Time
}

type pendingWorker struct {
	status     domain.WorkerStatus
	enqueuedAt time.Time
}

// Manager publishes status transitions with best-effort and resilient modes.
type Manager struct {
	tasks     domain.TaskFastStore
	workers   domain.WorkerFastStore
	workerTTL time.Duration

	maxWait      time.Duration // per-call budget for resilient writes
	retryTimeout time.Duration // absolute age at which a buffered update is abandoned

	mu          sync.Mutex
	pendingCap  int
	pending     []pendingTask  // insertion order preserved
	workerSlot  *pendingWorker // single slot; worker status is last-writer-wins
	now         func() time.Time
}

// NewManager constructs a Manager.
func NewManager(tasks domain.TaskFastStore, workers domain.WorkerFastStore, workerTTL, maxWait, retryTimeout time.Duration) *Manager {
	return &Manager{
		tasks:        tasks,
		workers:      workers,
		workerTTL:    workerTTL,
		maxWait:      maxWait,
		retryTimeout: retryTimeout,
		pendingCap:   DefaultPendingCap,
		now:          time.Now,
	}
}

// PublishTaskStatus writes a sparse task update. In resilient mode the write
// retries under the per-call budget; either way a failure enqueues the update
// for the background retry loop instead of surfacing an error.
func (m *Manager) PublishTaskStatus(ctx context.Context, correlationID string, upd domain.TaskUpdate, resilient bool) {
	var err error
	if resilient {
		err = m.tasks.UpdateTaskResilient(ctx, correlationID, upd, m.maxWait)
	} else {
		err = m.tasks.UpdateTask(ctx, correlationID, upd)
	}
	if err == nil {
		return
	}
	slog.Warn("task status write failed, buffering for retry",
		slog.String("correlation_id", correlationID),
		slog.Bool("resilient", resilient),
		slog.Any("error", err))
	m.enqueueTask(pendingTask{correlationID: correlationID, update: upd, resilient: resilient, enqueuedAt: m.now()})
}

// PublishWorkerStatus writes the worker's busy/free state. The pending buffer
// holds at most one entry; a newer status supersedes a buffered older one.
func (m *Manager) PublishWorkerStatus(ctx context.Context, ws domain.WorkerStatus, resilient bool) {
	var err error
	if resilient {
		err = m.workers.PublishWorkerStatusResilient(ctx, ws, m.workerTTL, m.maxWait)
	} else {
		err = m.workers.PublishWorkerStatus(ctx, ws, m.workerTTL)
	}
	if err == nil {
		return
	}
	slog.Warn("worker status write failed, buffering for retry",
		slog.String("worker_id", ws.WorkerID),
		slog.String("state", string(ws.State)),
		slog.Any("error", err))
	m.mu.Lock()
	m.workerSlot = &pendingWorker{status: ws, enqueuedAt: m.now()}
	m.mu.Unlock()
	m.updateGauge()
}

func (m *Manager) enqueueTask(p pendingTask) {
	m.mu.Lock()
	if len(m.pending) >= m.pendingCap {
		// Evict the oldest best-effort entry; a buffered resilient update
		// carries a terminal outcome and is only sacrificed when the whole
		// buffer is resilient.
		victim := 0
		for i := range m.pending {
			if !m.pending[i].resilient {
				victim = i
				break
			}
		}
		dropped := m.pending[victim]
		m.pending = append(m.pending[:victim], m.pending[victim+1:]...)
		slog.Warn("pending buffer full, dropping update",
			slog.String("correlation_id", dropped.correlationID),
			slog.Bool("resilient", dropped.resilient))
	}
	m.pending = append(m.pending, p)
	m.mu.Unlock()
	m.updateGauge()
}

// HasPendingUpdates reports whether any update is buffered.
func (m *Manager) HasPendingUpdates() bool { return m.PendingCount() > 0 }

// PendingCount returns the number of buffered updates.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	if m.workerSlot != nil {
		n++
	}
	return n
}

// RetryPendingUpdates drains both buffers once. Updates older than the retry
// timeout are dropped with a warning; the rest are re-attempted with a budget
// of min(remaining age, per-call max). Failures stay buffered in order.
func (m *Manager) RetryPendingUpdates(ctx context.Context) {
	m.mu.Lock()
	snapshot := m.pending
	m.pending = nil
	worker := m.workerSlot
	m.workerSlot = nil
	m.mu.Unlock()

	now := m.now()
	var leftovers []pendingTask
	for _, p := range snapshot {
		age := now.Sub(p.enqueuedAt)
		if age >= m.retryTimeout {
			slog.Warn("abandoning status update past retry timeout",
				slog.String("correlation_id", p.correlationID),
				slog.Duration("age", age))
			observability.StatusRetriesTotal.WithLabelValues("abandoned").Inc()
			continue
		}
		budget := m.retryTimeout - age
		if budget > m.maxWait {
			budget = m.maxWait
		}
		if err := m.tasks.UpdateTaskResilient(ctx, p.correlationID, p.update, budget); err != nil {
			observability.StatusRetriesTotal.WithLabelValues("failed").Inc()
			leftovers = append(leftovers, p)
			continue
		}
		observability.StatusRetriesTotal.WithLabelValues("succeeded").Inc()
	}

	var workerLeft *pendingWorker
	if worker != nil {
		age := now.Sub(worker.enqueuedAt)
		switch {
		case age >= m.retryTimeout:
			slog.Warn("abandoning worker status past retry timeout",
				slog.String("worker_id", worker.status.WorkerID), slog.Duration("age", age))
			observability.StatusRetriesTotal.WithLabelValues("abandoned").Inc()
		default:
			budget := m.retryTimeout - age
			if budget > m.maxWait {
				budget = m.maxWait
			}
			if err := m.workers.PublishWorkerStatusResilient(ctx, worker.status, m.workerTTL, budget); err != nil {
				observability.StatusRetriesTotal.WithLabelValues("failed").Inc()
				workerLeft = worker
			} else {
				observability.StatusRetriesTotal.WithLabelValues("succeeded").Inc()
			}
		}
	}

	m.mu.Lock()
	// Leftovers precede anything enqueued while we were draining.
	m.pending = append(leftovers, m.pending...)
	if m.workerSlot == nil {
		m.workerSlot = workerLeft
	}
	m.mu.Unlock()
	m.updateGauge()
}

// WaitUntilEmpty blocks until the buffers drain or the timeout elapses,
// reporting whether they drained. Used as the worker's drain guard between
// tasks and during shutdown.
func (m *Manager) WaitUntilEmpty(ctx context.Context, timeout time.Duration) bool {
	deadline := m.now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.HasPendingUpdates() {
			return true
		}
		if m.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !m.HasPendingUpdates()
		case <-ticker.C:
		}
	}
}

func (m *Manager) updateGauge() {
	observability.PendingStatusUpdates.Set(float64(m.PendingCount()))
}
