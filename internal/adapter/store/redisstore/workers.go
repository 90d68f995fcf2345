package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Muxite/webrag/internal/domain"
)

func workerKey(id string) string { return workerKeyPrefix + id }

// PublishWorkerStatus writes worker:{worker_id} with the liveness TTL. The
// presence heartbeat refreshes the TTL; an ungracefully killed worker simply
// ages out.
func (s *Store) PublishWorkerStatus(ctx context.Context, ws domain.WorkerStatus, ttl time.Duration) error {
	b, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("op=workerstore.publish marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, workerKey(ws.WorkerID), b, ttl).Err(); err != nil {
		return fmt.Errorf("op=workerstore.publish: %w", err)
	}
	return nil
}

// PublishWorkerStatusResilient retries the status write under maxWait.
func (s *Store) PublishWorkerStatusResilient(ctx context.Context, ws domain.WorkerStatus, ttl, maxWait time.Duration) error {
	op := func() error { return s.PublishWorkerStatus(ctx, ws, ttl) }
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = maxWait / 2
	bo.MaxElapsedTime = maxWait
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// WorkerCount counts live worker keys.
func (s *Store) WorkerCount(ctx context.Context) (int, error) {
	count := 0
	iter := s.rdb.Scan(ctx, 0, workerKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("op=workerstore.count: %w", err)
	}
	return count, nil
}

// ActiveWorkers enumerates live worker statuses.
func (s *Store) ActiveWorkers(ctx context.Context) ([]domain.WorkerStatus, error) {
	var out []domain.WorkerStatus
	iter := s.rdb.Scan(ctx, 0, workerKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		b, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("op=workerstore.active: %w", err)
		}
		var ws domain.WorkerStatus
		if err := json.Unmarshal(b, &ws); err != nil {
			continue
		}
		out = append(out, ws)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=workerstore.active scan: %w", err)
	}
	return out, nil
}
