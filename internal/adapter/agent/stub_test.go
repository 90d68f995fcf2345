package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/adapter/agent"
	"github.com/Muxite/webrag/internal/domain"
)

func TestStub_CompletesWithinBudget(t *testing.T) {
	t.Parallel()
	s := agent.NewStub(time.Millisecond)
	var ticks []int
	out, err := s.RunMandate(context.Background(), domain.TaskEnvelope{
		CorrelationID: "c-1", Mandate: "summarize the report", MaxTicks: 10,
	}, func(tick int) { ticks = append(ticks, tick) })
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Ticks)
	assert.Equal(t, []int{1}, ticks)
	require.Len(t, out.Deliverables, 1)
	assert.Contains(t, out.Deliverables[0], "c-1")
}

func TestStub_BudgetExhaustedFailsTask(t *testing.T) {
	t.Parallel()
	s := agent.NewStub(time.Millisecond)
	long := make([]byte, 500) // needs several ticks
	for i := range long {
		long[i] = 'x'
	}
	out, err := s.RunMandate(context.Background(), domain.TaskEnvelope{
		CorrelationID: "c-1", Mandate: string(long), MaxTicks: 2,
	}, nil)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 2, out.Ticks)
	assert.Contains(t, out.Notes, "budget")
}

func TestStub_HonorsCancellation(t *testing.T) {
	t.Parallel()
	s := agent.NewStub(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.RunMandate(ctx, domain.TaskEnvelope{
		CorrelationID: "c-1", Mandate: "anything", MaxTicks: 10,
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
