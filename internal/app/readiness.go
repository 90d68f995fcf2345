package app

import (
	"context"
	"fmt"

	"github.com/Muxite/webrag/internal/domain"
)

// Pinger is the minimal interface for a connection pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db, redis, and broker probes used by the
// readiness endpoint.
func BuildReadinessChecks(pool Pinger, fast Pinger, broker domain.Broker) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if fast == nil {
			return fmt.Errorf("redis not configured")
		}
		return fast.Ping(ctx)
	}
	brokerCheck := func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		if !broker.IsReady(ctx) {
			return fmt.Errorf("broker not ready")
		}
		return nil
	}
	return dbCheck, redisCheck, brokerCheck
}
