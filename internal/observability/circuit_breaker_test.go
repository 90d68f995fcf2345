package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func passing(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test", 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Short-circuits while open.
	require.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test", 2, 10*time.Millisecond)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.ErrorIs(t, cb.Execute(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test", 2, time.Hour)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failing))
	require.NoError(t, cb.Execute(ctx, passing))
	require.Error(t, cb.Execute(ctx, failing))
	assert.Equal(t, StateClosed, cb.State())
}
