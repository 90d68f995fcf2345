// Package quota meters each user's daily tick allowance. The Redis
// implementation keeps one counter per user per UTC day and consumes units
// atomically in a Lua script so concurrent submissions cannot overdraw.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQuota implements domain.Quota on a shared Redis counter.
type RedisQuota struct {
	rdb            *redis.Client
	script         *redis.Script
	dailyAllowance int64
}

// NewRedisQuota constructs a quota meter with the given per-day allowance.
func NewRedisQuota(rdb *redis.Client, dailyAllowance int64) *RedisQuota {
	if rdb == nil {
		return nil
	}
	return &RedisQuota{
		rdb:            rdb,
		script:         redis.NewScript(luaConsumeScript),
		dailyAllowance: dailyAllowance,
	}
}

// luaConsumeScript consumes cost units unless that would exceed the
// allowance; a denied call consumes nothing. The key expires two days out so
// stale counters clean themselves up.
const luaConsumeScript = `
local key = KEYS[1]
local allowance = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

local used = tonumber(redis.call("GET", key) or "0")
if used + cost > allowance then
  return { 0, allowance - used }
end

used = redis.call("INCRBY", key, cost)
redis.call("EXPIRE", key, 172800)
return { 1, allowance - used }
`

func dayKey(userID string, now time.Time) string {
	return "quota:" + userID + ":" + now.UTC().Format("2006-01-02")
}

// CheckAndConsume consumes units from the user's daily allowance. A denial
// leaves the counter untouched.
func (q *RedisQuota) CheckAndConsume(ctx context.Context, userID, _ string, units int) (bool, int64, error) {
	if userID == "" {
		return false, 0, fmt.Errorf("op=quota.consume: user id required")
	}
	if units <= 0 {
		units = 1
	}
	res, err := q.script.Run(ctx, q.rdb, []string{dayKey(userID, time.Now())}, q.dailyAllowance, units).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=quota.consume: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("quota script returned unexpected result", slog.String("user_id", userID), slog.Any("result", res))
		return false, 0, fmt.Errorf("op=quota.consume: unexpected script result")
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// NoOp permits everything; selected when quota checks are disabled.
type NoOp struct{}

// CheckAndConsume always allows with an unlimited remaining marker.
func (NoOp) CheckAndConsume(context.Context, string, string, int) (bool, int64, error) {
	return true, -1, nil
}
