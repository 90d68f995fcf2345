package quota_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muxite/webrag/internal/service/quota"
)

func newQuota(t *testing.T, allowance int64) *quota.RedisQuota {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return quota.NewRedisQuota(rdb, allowance)
}

func TestCheckAndConsume_ExactAllowance(t *testing.T) {
	t.Parallel()
	q := newQuota(t, 10)
	ctx := context.Background()

	allowed, remaining, err := q.CheckAndConsume(ctx, "u-1", "u@example.com", 10)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), remaining)

	// Exhausted: the next unit is denied without consumption.
	allowed, remaining, err = q.CheckAndConsume(ctx, "u-1", "u@example.com", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(0), remaining)
}

func TestCheckAndConsume_DenialDoesNotConsume(t *testing.T) {
	t.Parallel()
	q := newQuota(t, 5)
	ctx := context.Background()

	allowed, _, err := q.CheckAndConsume(ctx, "u-1", "", 3)
	require.NoError(t, err)
	assert.True(t, allowed)

	// 2 remaining; asking for 3 must fail and leave the 2 intact.
	allowed, remaining, err := q.CheckAndConsume(ctx, "u-1", "", 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(2), remaining)

	allowed, remaining, err = q.CheckAndConsume(ctx, "u-1", "", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), remaining)
}

func TestCheckAndConsume_PerUserIsolation(t *testing.T) {
	t.Parallel()
	q := newQuota(t, 4)
	ctx := context.Background()

	allowed, _, err := q.CheckAndConsume(ctx, "u-1", "", 4)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, remaining, err := q.CheckAndConsume(ctx, "u-2", "", 4)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), remaining)
}

func TestCheckAndConsume_RequiresUser(t *testing.T) {
	t.Parallel()
	q := newQuota(t, 4)
	_, _, err := q.CheckAndConsume(context.Background(), "", "", 1)
	require.Error(t, err)
}

func TestNoOp(t *testing.T) {
	t.Parallel()
	allowed, remaining, err := quota.NoOp{}.CheckAndConsume(context.Background(), "anyone", "", 1000000)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(-1), remaining)
}
