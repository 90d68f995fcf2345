// Package redisstore implements the fast task store and the worker presence
// registry on Redis. Values are JSON-encoded; task keys carry no TTL, worker
// keys carry the liveness TTL refreshed by the presence heartbeat.
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

const (
	taskKeyPrefix   = "task:"
	workerKeyPrefix = "worker:"

	scanBatch = 100
)

// Store implements domain.TaskFastStore and domain.WorkerFastStore.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store over an existing Redis client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Ping reports fast-store connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=faststore.ping: %w", err)
	}
	return nil
}

func taskKey(id string) string { return taskKeyPrefix + id }

// CreateTask writes the record under task:{correlation_id}. A collision is a
// no-op so client retries with the same correlation id stay idempotent.
func (s *Store) CreateTask(ctx context.Context, rec domain.TaskRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=faststore.create marshal: %w", err)
	}
	if err := s.rdb.SetNX(ctx, taskKey(rec.CorrelationID), b, 0).Err(); err != nil {
		return fmt.Errorf("op=faststore.create: %w", err)
	}
	return nil
}

// GetTask loads one record. Returns domain.ErrNotFound when the key is absent.
func (s *Store) GetTask(ctx context.Context, correlationID string) (domain.TaskRecord, error) {
	b, err := s.rdb.Get(ctx, taskKey(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TaskRecord{}, fmt.Errorf("op=faststore.get: %w", domain.ErrNotFound)
		}
		return domain.TaskRecord{}, fmt.Errorf("op=faststore.get: %w", err)
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("op=faststore.get unmarshal: %w", err)
	}
	return rec, nil
}

// UpdateTask merges the partial over the stored record and stamps UpdatedAt.
// It does not create missing records.
func (s *Store) UpdateTask(ctx context.Context, correlationID string, upd domain.TaskUpdate) error {
	rec, err := s.GetTask(ctx, correlationID)
	if err != nil {
		return err
	}
	upd.Apply(&rec, time.Now())
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=faststore.update marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, taskKey(correlationID), b, 0).Err(); err != nil {
		return fmt.Errorf("op=faststore.update: %w", err)
	}
	return nil
}

// UpdateTaskResilient retries the merge under maxWait with exponential
// backoff. Unlike UpdateTask it creates the record when absent, so a terminal
// status published during a store flap is not lost.
func (s *Store) UpdateTaskResilient(ctx context.Context, correlationID string, upd domain.TaskUpdate, maxWait time.Duration) error {
	op := func() error {
		rec, err := s.GetTask(ctx, correlationID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			rec = domain.TaskRecord{CorrelationID: correlationID, Status: domain.TaskPending, CreatedAt: time.Now().UTC()}
		}
		upd.Apply(&rec, time.Now())
		b, merr := json.Marshal(rec)
		if merr != nil {
			return backoff.Permanent(fmt.Errorf("op=faststore.update_resilient marshal: %w", merr))
		}
		if err := s.rdb.Set(ctx, taskKey(correlationID), b, 0).Err(); err != nil {
			return fmt.Errorf("op=faststore.update_resilient: %w", err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = maxWait / 2
	bo.MaxElapsedTime = maxWait
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// DeleteTask removes the record, reporting whether it existed.
func (s *Store) DeleteTask(ctx context.Context, correlationID string) (bool, error) {
	n, err := s.rdb.Del(ctx, taskKey(correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=faststore.delete: %w", err)
	}
	return n > 0, nil
}

// ListTasks scans all task keys and returns the decoded records. Entries that
// fail to decode are skipped rather than failing the whole scan.
func (s *Store) ListTasks(ctx context.Context) ([]domain.TaskRecord, error) {
	var out []domain.TaskRecord
	iter := s.rdb.Scan(ctx, 0, taskKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		b, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("op=faststore.list: %w", err)
		}
		var rec domain.TaskRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=faststore.list scan: %w", err)
	}
	return out, nil
}
