// Package gateway contains the task service behind the HTTP front door:
// admission, quota, dual-write, enqueue, and status reads with merge
// semantics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/Muxite/webrag/internal/auth"
	"github.com/Muxite/webrag/internal/config"
	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/observability"
)

const (
	createAttempts   = 3
	createRetryDelay = 500 * time.Millisecond
)

// Service is the gateway task service. The fast store is authoritative for
// in-flight work; the durable store is authoritative across restarts.
type Service struct {
	cfg     config.Config
	fast    domain.TaskFastStore
	workers domain.WorkerFastStore
	durable domain.TaskDurableStore
	broker  domain.Broker
	quota   domain.Quota
	breaker *observability.CircuitBreaker

	sleep func(time.Duration)
}

// NewService wires the gateway service.
func NewService(cfg config.Config, fast domain.TaskFastStore, workers domain.WorkerFastStore, durable domain.TaskDurableStore, broker domain.Broker, quota domain.Quota) *Service {
	return &Service{
		cfg:     cfg,
		fast:    fast,
		workers: workers,
		durable: durable,
		broker:  broker,
		quota:   quota,
		breaker: observability.NewCircuitBreaker("broker-publish", 5, 30*time.Second),
		sleep:   time.Sleep,
	}
}

// CreateTaskRequest is the admission input after HTTP decoding.
type CreateTaskRequest struct {
	Mandate       string
	MaxTicks      int
	CorrelationID string
}

// TaskResponse is the externally visible task shape. Status uses the external
// vocabulary (in_queue / in_progress / completed / failed).
type TaskResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Status        string             `json:"status"`
	Mandate       string             `json:"mandate"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Result        *domain.TaskResult `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	Tick          int                `json:"tick"`
	MaxTicks      int                `json:"max_ticks"`
}

func toResponse(rec domain.TaskRecord) TaskResponse {
	return TaskResponse{
		CorrelationID: rec.CorrelationID,
		Status:        rec.Status.External(),
		Mandate:       rec.Mandate,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		Result:        rec.Result,
		Error:         rec.Error,
		Tick:          rec.Tick,
		MaxTicks:      rec.MaxTicks,
	}
}

// CreateTask admits one submission: quota, fast-store create with readback
// verify, best-effort durable create, then enqueue through the circuit
// breaker. If enqueue fails the record stays pending and the same correlation
// id may be resubmitted safely.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest, p auth.Principal) (TaskResponse, error) {
	tracer := otel.Tracer("gateway")
	ctx, span := tracer.Start(ctx, "gateway.CreateTask")
	defer span.End()

	if req.Mandate == "" {
		return TaskResponse{}, fmt.Errorf("%w: mandate required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(req.Mandate) > s.cfg.MaxMandateLength {
		return TaskResponse{}, fmt.Errorf("%w: mandate exceeds %d characters", domain.ErrInvalidArgument, s.cfg.MaxMandateLength)
	}
	maxTicks := req.MaxTicks
	if maxTicks == 0 {
		maxTicks = s.cfg.MaxTicksLimit
	}
	if maxTicks < 0 || maxTicks > s.cfg.MaxTicksLimit {
		return TaskResponse{}, fmt.Errorf("%w: max_ticks must be in [1,%d]", domain.ErrInvalidArgument, s.cfg.MaxTicksLimit)
	}

	allowed, remaining, err := s.quota.CheckAndConsume(ctx, p.UserID, p.Email, maxTicks)
	if err != nil {
		slog.Error("quota check failed", slog.String("user_id", p.UserID), slog.Any("error", err))
		return TaskResponse{}, fmt.Errorf("op=gateway.create quota: %w", err)
	}
	if !allowed {
		return TaskResponse{}, fmt.Errorf("%w: %d ticks remaining today", domain.ErrQuotaExceeded, remaining)
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec := domain.TaskRecord{
		CorrelationID: correlationID,
		UserID:        p.UserID,
		Mandate:       req.Mandate,
		Status:        domain.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxTicks:      maxTicks,
	}

	if err := s.createFastVerified(ctx, rec); err != nil {
		return TaskResponse{}, err
	}

	// Durable create is best-effort: the fast store is authoritative for
	// in-flight work and the read path syncs forward.
	if p.Token != "" && p.UserID != "" {
		if err := s.durable.CreateTask(ctx, rec, p.UserID); err != nil {
			slog.Warn("durable create failed, continuing",
				slog.String("correlation_id", correlationID), slog.Any("error", err))
		}
	}

	if err := s.enqueue(ctx, domain.TaskEnvelope{CorrelationID: correlationID, Mandate: req.Mandate, MaxTicks: maxTicks}); err != nil {
		slog.Error("enqueue failed, record left pending",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
		return TaskResponse{}, fmt.Errorf("op=gateway.create enqueue: %w", domain.ErrBrokerUnavailable)
	}

	observability.TasksSubmittedTotal.Inc()
	slog.Info("task accepted",
		slog.String("correlation_id", correlationID),
		slog.String("user_id", p.UserID),
		slog.Int("max_ticks", maxTicks))
	return toResponse(rec), nil
}

// createFastVerified writes the fast record and verifies it by readback,
// retrying with a linear backoff. No enqueue happens unless this succeeds.
func (s *Service) createFastVerified(ctx context.Context, rec domain.TaskRecord) error {
	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		if err := s.fast.CreateTask(ctx, rec); err != nil {
			lastErr = err
		} else if _, err := s.fast.GetTask(ctx, rec.CorrelationID); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if attempt < createAttempts {
			s.sleep(createRetryDelay * time.Duration(attempt))
		}
	}
	slog.Error("fast-store create failed after retries",
		slog.String("correlation_id", rec.CorrelationID), slog.Any("error", lastErr))
	return fmt.Errorf("op=gateway.create fast store: %w: %v", domain.ErrStoreUnavailable, lastErr)
}

// enqueue publishes through the circuit breaker; on a broker-unready failure
// it attempts a single reconnect before giving up.
func (s *Service) enqueue(ctx context.Context, env domain.TaskEnvelope) error {
	publish := func(ctx context.Context) error { return s.broker.PublishTask(ctx, env) }
	err := s.breaker.Execute(ctx, publish)
	if err == nil {
		return nil
	}
	if errors.Is(err, observability.ErrCircuitOpen) {
		return err
	}
	slog.Warn("publish failed, attempting broker reconnect", slog.String("correlation_id", env.CorrelationID), slog.Any("error", err))
	if cerr := s.broker.Connect(ctx); cerr != nil {
		return cerr
	}
	return s.breaker.Execute(ctx, publish)
}

// GetTask reads both stores in parallel, merges, syncs the durable store
// forward, and removes terminal records from the fast store.
func (s *Service) GetTask(ctx context.Context, correlationID string) (TaskResponse, error) {
	tracer := otel.Tracer("gateway")
	ctx, span := tracer.Start(ctx, "gateway.GetTask")
	defer span.End()

	p, authed := auth.PrincipalFrom(ctx)

	type read struct {
		rec *domain.TaskRecord
		err error
	}
	fastCh := make(chan read, 1)
	durableCh := make(chan read, 1)
	go func() {
		rec, err := s.fast.GetTask(ctx, correlationID)
		if err != nil {
			fastCh <- read{err: err}
			return
		}
		fastCh <- read{rec: &rec}
	}()
	go func() {
		if !authed {
			durableCh <- read{err: domain.ErrNotFound}
			return
		}
		rec, err := s.durable.GetTask(ctx, correlationID)
		if err != nil {
			durableCh <- read{err: err}
			return
		}
		durableCh <- read{rec: &rec}
	}()
	fast, durable := <-fastCh, <-durableCh

	merged := domain.MergeRecords(fast.rec, durable.rec)
	if merged == nil {
		for _, r := range []read{fast, durable} {
			if r.err != nil && !errors.Is(r.err, domain.ErrNotFound) {
				return TaskResponse{}, fmt.Errorf("op=gateway.get: %w", r.err)
			}
		}
		return TaskResponse{}, fmt.Errorf("op=gateway.get: %w", domain.ErrNotFound)
	}

	if fast.rec != nil {
		switch {
		case authed:
			s.syncForward(ctx, fast.rec, durable.rec, p.UserID)
		case merged.Status.Terminal():
			// No durable access: bound fast-store growth by dropping the
			// terminal record now.
			if _, err := s.fast.DeleteTask(ctx, correlationID); err != nil {
				slog.Warn("fast-store cleanup failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
			}
		}
	}
	return toResponse(*merged), nil
}

// syncForward writes a newer fast record into the durable store, then deletes
// the fast copy once a terminal state is durably confirmed.
func (s *Service) syncForward(ctx context.Context, fast, durable *domain.TaskRecord, userID string) {
	if durable != nil && !durable.UpdatedAt.Before(fast.UpdatedAt) {
		return
	}
	rec := *fast
	if rec.UserID == "" {
		rec.UserID = userID
	}
	if err := s.durable.CreateTask(ctx, rec, rec.UserID); err != nil {
		slog.Warn("durable sync-forward failed",
			slog.String("correlation_id", fast.CorrelationID), slog.Any("error", err))
		return
	}
	if fast.Status.Terminal() {
		if _, err := s.fast.DeleteTask(ctx, fast.CorrelationID); err != nil {
			slog.Warn("fast-store cleanup failed",
				slog.String("correlation_id", fast.CorrelationID), slog.Any("error", err))
		}
	}
}

// ListTasks returns the caller's tasks from the durable store only, newest
// update first.
func (s *Service) ListTasks(ctx context.Context) ([]TaskResponse, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("op=gateway.list: %w: principal required", domain.ErrInvalidArgument)
	}
	recs, err := s.durable.ListTasks(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("op=gateway.list: %w", err)
	}
	out := make([]TaskResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec))
	}
	return out, nil
}

// AgentCount returns the number of live worker keys; errors degrade to zero.
func (s *Service) AgentCount(ctx context.Context) int {
	n, err := s.workers.WorkerCount(ctx)
	if err != nil {
		slog.Warn("worker count failed", slog.Any("error", err))
		return 0
	}
	return n
}
