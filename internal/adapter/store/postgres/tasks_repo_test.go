package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/adapter/store/postgres"
	"github.com/Muxite/webrag/internal/auth"
	"github.com/Muxite/webrag/internal/domain"
)

// fakePool is a minimal in-memory PgxPool double: canned rows out, captured
// args in.
type fakePool struct {
	execErr   error
	execTag   pgconn.CommandTag
	execSQL   []string
	execArgs  [][]any
	rowValues []any
	rowErr    error
	queryRows *fakeRows
	queryErr  error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return f.execTag, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return fakeRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakePool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx <= len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assign(dest, values []any) error {
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *domain.TaskState:
			*d = values[i].(domain.TaskState)
		case *time.Time:
			*d = values[i].(time.Time)
		case *int:
			*d = values[i].(int)
		case *[]byte:
			if values[i] != nil {
				*d = values[i].([]byte)
			}
		}
	}
	return nil
}

func taskRow(id, user string, status domain.TaskState, updatedAt time.Time, result []byte) []any {
	return []any{id, user, "mandate", status, updatedAt.Add(-time.Minute), updatedAt, 1, 10, result, ""}
}

func authed(userID string) context.Context {
	return auth.ContextWithPrincipal(context.Background(), auth.Principal{UserID: userID, Token: "tok"})
}

func TestTaskRepo_Create(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	repo := postgres.NewTaskRepo(pool)

	rec := domain.TaskRecord{
		CorrelationID: "c-1",
		Mandate:       "do things",
		Status:        domain.TaskPending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		MaxTicks:      10,
	}
	require.NoError(t, repo.CreateTask(context.Background(), rec, "u-1"))
	require.Len(t, pool.execArgs, 1)
	assert.Equal(t, "c-1", pool.execArgs[0][0])
	assert.Equal(t, "u-1", pool.execArgs[0][1])
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (correlation_id)")
}

func TestTaskRepo_Create_UpsertGuardsTerminalAndOwner(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	repo := postgres.NewTaskRepo(pool)

	// A resubmission of an already-finished correlation id must not pull the
	// stored row back to pending, and a collision with another user's id must
	// not rewrite their row.
	rec := domain.TaskRecord{
		CorrelationID: "c-1",
		Mandate:       "do things",
		Status:        domain.TaskPending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		MaxTicks:      10,
	}
	require.NoError(t, repo.CreateTask(context.Background(), rec, "u-2"))
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "tasks.status NOT IN ('completed','failed')")
	assert.Contains(t, pool.execSQL[0], "tasks.user_id = EXCLUDED.user_id")
}

func TestTaskRepo_Create_RequiresUser(t *testing.T) {
	t.Parallel()
	repo := postgres.NewTaskRepo(&fakePool{})
	err := repo.CreateTask(context.Background(), domain.TaskRecord{CorrelationID: "c-1"}, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskRepo_Get(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC().Truncate(time.Second)
	result, _ := json.Marshal(domain.TaskResult{Success: true, Deliverables: []string{"x"}})
	pool := &fakePool{rowValues: taskRow("c-1", "u-1", domain.TaskCompleted, now, result)}
	repo := postgres.NewTaskRepo(pool)

	rec, err := repo.GetTask(authed("u-1"), "c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.True(t, rec.Result.Success)
}

func TestTaskRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool := &fakePool{rowErr: pgx.ErrNoRows}
	repo := postgres.NewTaskRepo(pool)
	_, err := repo.GetTask(authed("u-1"), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_Get_RequiresPrincipal(t *testing.T) {
	t.Parallel()
	repo := postgres.NewTaskRepo(&fakePool{})
	_, err := repo.GetTask(context.Background(), "c-1")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskRepo_Update_TerminalDoesNotRegress(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	pool := &fakePool{rowValues: taskRow("c-1", "u-1", domain.TaskCompleted, now, nil)}
	repo := postgres.NewTaskRepo(pool)

	st := domain.TaskInProgress
	err := repo.UpdateTask(authed("u-1"), "c-1", domain.TaskUpdate{Status: &st})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, pool.execSQL)
}

func TestTaskRepo_Update_AppliesPartial(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	pool := &fakePool{rowValues: taskRow("c-1", "u-1", domain.TaskAccepted, now, nil)}
	repo := postgres.NewTaskRepo(pool)

	st := domain.TaskInProgress
	tick := 4
	require.NoError(t, repo.UpdateTask(authed("u-1"), "c-1", domain.TaskUpdate{Status: &st, Tick: &tick}))
	require.Len(t, pool.execArgs, 1)
	assert.Equal(t, domain.TaskInProgress, pool.execArgs[0][1])
	assert.Equal(t, 4, pool.execArgs[0][3])
}

func TestTaskRepo_List(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	pool := &fakePool{queryRows: &fakeRows{rows: [][]any{
		taskRow("c-2", "u-1", domain.TaskInProgress, now, nil),
		taskRow("c-1", "u-1", domain.TaskCompleted, now.Add(-time.Hour), nil),
	}}}
	repo := postgres.NewTaskRepo(pool)

	recs, err := repo.ListTasks(authed("u-1"), "u-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c-2", recs[0].CorrelationID)
}

func TestTaskRepo_FailStale(t *testing.T) {
	t.Parallel()
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 3")}
	repo := postgres.NewTaskRepo(pool)

	n, err := repo.FailStaleTasks(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Contains(t, pool.execSQL[0], "UPDATE tasks SET status=")
}
