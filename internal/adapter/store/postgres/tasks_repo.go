package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/Muxite/webrag/internal/auth"
	"github.com/Muxite/webrag/internal/domain"
)

// TaskRepo persists and loads task records from PostgreSQL. Reads are scoped
// to the principal carried in the context; tasks are never deleted here.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// CreateTask inserts a task record. A correlation id collision is treated as
// an update so gateway retries stay idempotent, but the update never touches
// another user's row and never regresses a terminal state — a resubmission of
// a finished correlation id leaves the stored deliverable intact.
func (r *TaskRepo) CreateTask(ctx domain.Context, rec domain.TaskRecord, userID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	if userID == "" {
		return fmt.Errorf("op=task.create: %w: user id required", domain.ErrInvalidArgument)
	}
	resultJSON, err := marshalResult(rec.Result)
	if err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	q := `INSERT INTO tasks (correlation_id, user_id, mandate, status, created_at, updated_at, tick, max_ticks, result, error)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (correlation_id) DO UPDATE SET
	        status = EXCLUDED.status,
	        updated_at = EXCLUDED.updated_at,
	        tick = EXCLUDED.tick,
	        result = EXCLUDED.result,
	        error = EXCLUDED.error
	      WHERE tasks.user_id = EXCLUDED.user_id
	        AND tasks.status NOT IN ('completed','failed')`
	_, err = r.Pool.Exec(ctx, q, rec.CorrelationID, userID, rec.Mandate, rec.Status,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.Tick, rec.MaxTicks, resultJSON, rec.Error)
	if err != nil {
		return fmt.Errorf("op=task.create: %w", err)
	}
	return nil
}

const taskColumns = `correlation_id, user_id, mandate, status, created_at, updated_at, tick, max_ticks, result, COALESCE(error,'')`

// GetTask loads one task scoped to the caller's user.
func (r *TaskRepo) GetTask(ctx domain.Context, correlationID string) (domain.TaskRecord, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return domain.TaskRecord{}, fmt.Errorf("op=task.get: %w: principal required", domain.ErrInvalidArgument)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE correlation_id=$1 AND user_id=$2`
	return scanTask(r.Pool.QueryRow(ctx, q, correlationID, p.UserID), "task.get")
}

// UpdateTask merges the partial over the stored row. Terminal states never
// regress; an attempted regression returns ErrConflict.
func (r *TaskRepo) UpdateTask(ctx domain.Context, correlationID string, upd domain.TaskUpdate) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	rec, err := r.GetTask(ctx, correlationID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() && upd.Status != nil && *upd.Status != rec.Status {
		return fmt.Errorf("op=task.update: %w: %s is terminal", domain.ErrConflict, rec.Status)
	}
	upd.Apply(&rec, time.Now())
	resultJSON, err := marshalResult(rec.Result)
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	q := `UPDATE tasks SET status=$2, updated_at=$3, tick=$4, max_ticks=$5, result=$6, error=$7 WHERE correlation_id=$1`
	_, err = r.Pool.Exec(ctx, q, correlationID, rec.Status, rec.UpdatedAt, rec.Tick, rec.MaxTicks, resultJSON, rec.Error)
	if err != nil {
		return fmt.Errorf("op=task.update: %w", err)
	}
	return nil
}

// ListTasks returns the caller's tasks ordered by updated_at descending.
func (r *TaskRepo) ListTasks(ctx domain.Context, userID string) ([]domain.TaskRecord, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id=$1 ORDER BY updated_at DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows, "task.list")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// FailStaleTasks marks tasks stuck non-terminal past maxAge as failed so a
// crashed worker cannot leave records in_progress forever. Returns the number
// of rows transitioned.
func (r *TaskRepo) FailStaleTasks(ctx domain.Context, maxAge time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FailStale")
	defer span.End()
	cutoff := time.Now().UTC().Add(-maxAge)
	q := `UPDATE tasks SET status=$1, error=$2, updated_at=$3
	      WHERE status IN ($4,$5,$6) AND updated_at < $7`
	tag, err := r.Pool.Exec(ctx, q, domain.TaskFailed, "task abandoned: no status update within retention window",
		time.Now().UTC(), domain.TaskPending, domain.TaskAccepted, domain.TaskInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=task.fail_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner, op string) (domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var resultJSON []byte
	err := row.Scan(&rec.CorrelationID, &rec.UserID, &rec.Mandate, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.Tick, &rec.MaxTicks, &resultJSON, &rec.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TaskRecord{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.TaskRecord{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if len(resultJSON) > 0 {
		var res domain.TaskResult
		if err := json.Unmarshal(resultJSON, &res); err == nil {
			rec.Result = &res
		}
	}
	return rec, nil
}

func marshalResult(res *domain.TaskResult) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}
