package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// StaleTaskFailer marks long-untouched non-terminal tasks as failed.
type StaleTaskFailer interface {
	FailStaleTasks(ctx context.Context, maxAge time.Duration) (int64, error)
}

// StaleTaskSweeper periodically fails tasks whose records stopped advancing,
// typically because a worker died between status writes.
type StaleTaskSweeper struct {
	tasks    StaleTaskFailer
	maxAge   time.Duration
	interval time.Duration
}

// NewStaleTaskSweeper constructs a sweeper; nil tasks yields a nil sweeper
// whose Run is a no-op.
func NewStaleTaskSweeper(tasks StaleTaskFailer, maxAge, interval time.Duration) *StaleTaskSweeper {
	if tasks == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StaleTaskSweeper{tasks: tasks, maxAge: maxAge, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once immediately and then on
// every interval tick.
func (s *StaleTaskSweeper) Run(ctx context.Context) {
	if s == nil || s.tasks == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleTaskSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StaleTaskSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("tasks.max_age_seconds", s.maxAge.Seconds()))

	n, err := s.tasks.FailStaleTasks(ctx, s.maxAge)
	if err != nil {
		slog.Error("stale task sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Warn("failed stale tasks", slog.Int64("count", n), slog.Duration("max_age", s.maxAge))
	}
}
