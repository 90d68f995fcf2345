// Package worker runs the interface agent: the long-lived process that leases
// mandates off the queue, drives the reasoning engine, and owns every status
// write for the tasks it executes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/observability"
	"github.com/Muxite/webrag/internal/status"
)

const (
	reconnectBase       = 10 * time.Second
	reconnectMultiplier = 1.5
	reconnectCap        = 60 * time.Second
)

// Agent is one worker instance. A single goroutine executes tasks; auxiliary
// loops maintain presence, retry buffered status writes, and release scale-in
// protection after a stretch of idleness.
type Agent struct {
	cfg     config.Config
	broker  domain.Broker
	fast    domain.TaskFastStore
	status  *status.Manager
	runner  domain.AgentRunner
	protect domain.TaskProtection

	workerID string

	mu        sync.Mutex
	current   string // correlation id of the running task, "" when free
	freeSince time.Time
	protected bool
}

// NewAgent wires a worker instance.
func NewAgent(cfg config.Config, broker domain.Broker, fast domain.TaskFastStore, st *status.Manager, runner domain.AgentRunner, protect domain.TaskProtection) *Agent {
	return &Agent{
		cfg:       cfg,
		broker:    broker,
		fast:      fast,
		status:    st,
		runner:    runner,
		protect:   protect,
		workerID:  cfg.WorkerID,
		freeSince: time.Now(),
	}
}

// Run blocks until ctx is cancelled, then drains status buffers within the
// shutdown budget before returning.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.connectWithRetry(ctx); err != nil {
		return fmt.Errorf("op=worker.run connect: %w", err)
	}
	defer func() { _ = a.broker.Disconnect() }()

	// Announce presence before the first poll so the gateway's agent count
	// reflects this instance immediately.
	a.publishPresence(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.presenceLoop(ctx) }()
	go func() { defer wg.Done(); a.retryLoop(ctx) }()
	go func() { defer wg.Done(); a.idleLoop(ctx) }()

	a.consumeLoop(ctx)
	cancel()
	wg.Wait()
	a.shutdown()
	return nil
}

func (a *Agent) connectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.Multiplier = reconnectMultiplier
	bo.MaxInterval = reconnectCap
	bo.MaxElapsedTime = 0 // retry until cancelled
	return backoff.Retry(func() error {
		if err := a.broker.Connect(ctx); err != nil {
			slog.Warn("broker connect failed, will retry", slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// consumeLoop keeps a consumer session alive, reconnecting with backoff when
// the session drops. Unacked deliveries are redelivered by the broker.
func (a *Agent) consumeLoop(ctx context.Context) {
	interval := reconnectBase
	for {
		started := time.Now()
		err := a.broker.ConsumeTasks(ctx, a.handleTask)
		if ctx.Err() != nil {
			return
		}
		interval = reconnectDelay(interval, time.Since(started))
		slog.Error("consumer session ended, reconnecting",
			slog.Duration("backoff", interval), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := a.broker.Connect(ctx); err != nil {
			slog.Warn("broker reconnect failed", slog.Any("error", err))
		}
		interval = time.Duration(float64(interval) * reconnectMultiplier)
		if interval > reconnectCap {
			interval = reconnectCap
		}
	}
}

// reconnectDelay keeps the grown backoff while sessions keep dying quickly,
// but a session that stayed up past the cap proves the broker recovered, so
// the next drop starts over from the base.
func reconnectDelay(grown, sessionLen time.Duration) time.Duration {
	if sessionLen >= reconnectCap {
		return reconnectBase
	}
	return grown
}

// handleTask executes one delivery. Returning nil acks the message; the only
// error return is a cancelled context, so an in-flight task survives as a
// redelivery after a crash.
func (a *Agent) handleTask(ctx context.Context, env domain.TaskEnvelope) error {
	if err := env.Validate(a.cfg.MaxMandateLength); err != nil {
		// Redelivery cannot fix a malformed envelope; ack and drop.
		slog.Warn("dropping invalid envelope",
			slog.String("correlation_id", env.CorrelationID), slog.Any("error", err))
		return nil
	}
	if a.alreadyTerminal(ctx, env.CorrelationID) {
		slog.Info("duplicate delivery for finished task, skipping",
			slog.String("correlation_id", env.CorrelationID))
		return nil
	}

	a.setBusy(env.CorrelationID)
	defer a.setFree()

	if !a.acquireProtection(ctx) {
		slog.Warn("scale-in protection unavailable, proceeding unprotected",
			slog.String("correlation_id", env.CorrelationID))
	}

	accepted := domain.TaskAccepted
	a.status.PublishTaskStatus(ctx, env.CorrelationID, domain.TaskUpdate{Status: &accepted}, true)
	a.status.PublishWorkerStatus(ctx, domain.WorkerStatus{
		WorkerID: a.workerID, State: domain.WorkerWorking, CorrelationID: env.CorrelationID,
	}, true)
	inProgress := domain.TaskInProgress
	a.status.PublishTaskStatus(ctx, env.CorrelationID, domain.TaskUpdate{Status: &inProgress}, true)

	outcome := a.runMandate(ctx, env)
	a.publishTerminal(ctx, env.CorrelationID, outcome)

	a.status.PublishWorkerStatus(ctx, domain.WorkerStatus{
		WorkerID: a.workerID, State: domain.WorkerFree,
	}, true)

	// Hold the ack until buffered status writes drain so a poller never sees
	// a consumed task without its terminal record.
	if !a.status.WaitUntilEmpty(ctx, a.cfg.ResilientStatusRetryTimeout) {
		slog.Warn("status buffer not drained before ack, retry loop will finish it",
			slog.String("correlation_id", env.CorrelationID))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// runMandate drives the reasoning engine under the task timeout, publishing
// tick progress as it changes. A timeout or engine error is converted into a
// failed outcome rather than surfaced.
func (a *Agent) runMandate(ctx context.Context, env domain.TaskEnvelope) domain.AgentOutcome {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.AgentTaskTimeout)
	defer cancel()

	var lastTick atomic.Int64
	progress := func(tick int) { lastTick.Store(int64(tick)) }

	hbCtx, hbCancel := context.WithCancel(runCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		a.tickHeartbeat(hbCtx, env.CorrelationID, &lastTick)
	}()

	outcome, err := a.runner.RunMandate(runCtx, env, progress)
	hbCancel()
	hbWG.Wait()

	switch {
	case err == nil:
		return outcome
	case runCtx.Err() == context.DeadlineExceeded:
		slog.Error("task timed out",
			slog.String("correlation_id", env.CorrelationID),
			slog.Duration("timeout", a.cfg.AgentTaskTimeout))
		return domain.AgentOutcome{
			Success: false,
			Notes:   fmt.Sprintf("task exceeded %s execution budget", a.cfg.AgentTaskTimeout),
			Ticks:   int(lastTick.Load()),
		}
	default:
		slog.Error("mandate execution failed",
			slog.String("correlation_id", env.CorrelationID), slog.Any("error", err))
		return domain.AgentOutcome{
			Success: false,
			Notes:   err.Error(),
			Ticks:   int(lastTick.Load()),
		}
	}
}

// tickHeartbeat publishes the task's tick counter whenever it advances, so
// pollers observe progress between status transitions. Each write is bounded
// by the heartbeat timeout so a slow store cannot stall the loop.
func (a *Agent) tickHeartbeat(ctx context.Context, correlationID string, lastTick *atomic.Int64) {
	ticker := time.NewTicker(a.cfg.StatusTime)
	defer ticker.Stop()
	published := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick := lastTick.Load()
			if tick == published {
				continue
			}
			t := int(tick)
			writeCtx, cancel := context.WithTimeout(ctx, a.cfg.AgentHeartbeatTimeout)
			a.status.PublishTaskStatus(writeCtx, correlationID, domain.TaskUpdate{Tick: &t}, false)
			cancel()
			published = tick
		}
	}
}

func (a *Agent) publishTerminal(ctx context.Context, correlationID string, outcome domain.AgentOutcome) {
	upd := domain.TaskUpdate{Tick: &outcome.Ticks}
	state := domain.TaskFailed
	if outcome.Success {
		state = domain.TaskCompleted
		upd.Result = &domain.TaskResult{
			Success:      true,
			Deliverables: outcome.Deliverables,
			Notes:        outcome.Notes,
		}
	} else {
		msg := outcome.Notes
		if msg == "" {
			msg = "mandate failed"
		}
		upd.Error = &msg
	}
	upd.Status = &state

	a.status.PublishTaskStatus(ctx, correlationID, upd, true)
	observability.TasksCompletedTotal.WithLabelValues(string(state)).Inc()
	observability.TaskTicksHistogram.Observe(float64(outcome.Ticks))
	slog.Info("task finished",
		slog.String("correlation_id", correlationID),
		slog.String("status", string(state)),
		slog.Int("ticks", outcome.Ticks))
}

// alreadyTerminal reports whether the fast store already records a terminal
// state, which marks this delivery as a duplicate.
func (a *Agent) alreadyTerminal(ctx context.Context, correlationID string) bool {
	rec, err := a.fast.GetTask(ctx, correlationID)
	return err == nil && rec.Status.Terminal()
}

func (a *Agent) setBusy(correlationID string) {
	a.mu.Lock()
	a.current = correlationID
	a.mu.Unlock()
}

func (a *Agent) setFree() {
	a.mu.Lock()
	a.current = ""
	a.freeSince = time.Now()
	a.mu.Unlock()
}

func (a *Agent) acquireProtection(ctx context.Context) bool {
	a.mu.Lock()
	already := a.protected
	a.mu.Unlock()
	if already {
		return true
	}
	if err := a.protect.Acquire(ctx); err != nil {
		return false
	}
	a.mu.Lock()
	a.protected = true
	a.mu.Unlock()
	return true
}

// presenceLoop refreshes the worker key ahead of its TTL so the instance stays
// visible to the gateway while alive.
func (a *Agent) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatusTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishPresence(ctx)
		}
	}
}

func (a *Agent) publishPresence(ctx context.Context) {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()
	ws := domain.WorkerStatus{WorkerID: a.workerID, State: domain.WorkerFree}
	if current != "" {
		ws.State = domain.WorkerWorking
		ws.CorrelationID = current
	}
	a.status.PublishWorkerStatus(ctx, ws, false)
}

// retryLoop periodically flushes buffered status writes.
func (a *Agent) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatusRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.status.RetryPendingUpdates(ctx)
		}
	}
}

// idleLoop releases scale-in protection once the worker has been free for the
// configured window, making the instance eligible for scale-down.
func (a *Agent) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatusTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			idle := a.current == "" && a.protected && time.Since(a.freeSince) >= a.cfg.AgentFreeTimeout
			a.mu.Unlock()
			if !idle {
				continue
			}
			if err := a.protect.Release(ctx); err != nil {
				slog.Warn("protection release failed", slog.Any("error", err))
				continue
			}
			a.mu.Lock()
			a.protected = false
			a.mu.Unlock()
			slog.Info("released scale-in protection after idle window",
				slog.Duration("idle_window", a.cfg.AgentFreeTimeout))
		}
	}
}

// shutdown flushes what it can inside the shutdown budget and drops protection.
func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.AgentShutdownTimeout)
	defer cancel()

	if a.status.HasPendingUpdates() {
		a.status.RetryPendingUpdates(ctx)
		if !a.status.WaitUntilEmpty(ctx, a.cfg.AgentShutdownTimeout) {
			slog.Warn("shutting down with undrained status buffer",
				slog.Int("pending", a.status.PendingCount()))
		}
	}
	a.mu.Lock()
	protected := a.protected
	a.mu.Unlock()
	if protected {
		if err := a.protect.Release(ctx); err != nil {
			slog.Warn("protection release on shutdown failed", slog.Any("error", err))
		}
	}
	slog.Info("worker stopped", slog.String("worker_id", a.workerID))
}
