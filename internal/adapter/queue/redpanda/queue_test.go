package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/domain"
)

func TestNewQueue_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewQueue(nil, "agent-tasks", "g")
	require.Error(t, err)

	_, err = NewQueue([]string{"localhost:19092"}, "", "g")
	require.Error(t, err)

	q, err := NewQueue([]string{"localhost:19092"}, "agent-tasks", "g")
	require.NoError(t, err)
	assert.NotNil(t, q)
}

func TestQueue_NotConnected(t *testing.T) {
	t.Parallel()
	q, err := NewQueue([]string{"localhost:19092"}, "agent-tasks", "g")
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, q.IsReady(ctx))

	err = q.PublishTask(ctx, domain.TaskEnvelope{CorrelationID: "c-1", Mandate: "m", MaxTicks: 1})
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = q.QueueDepth(ctx)
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	// Disconnect on an unconnected queue is a no-op.
	require.NoError(t, q.Disconnect())
}

func TestCreateTopic_Validation(t *testing.T) {
	t.Parallel()
	require.Error(t, createTopicIfNotExists(context.Background(), nil, "", 1, 1))
	require.Error(t, createTopicIfNotExists(context.Background(), nil, "t", 0, 1))
	require.Error(t, createTopicIfNotExists(context.Background(), nil, "t", 1, 0))
}
