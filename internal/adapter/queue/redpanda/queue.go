// Package redpanda provides Redpanda/Kafka queue integration.
//
// It carries TaskEnvelope messages on a durable topic with at-least-once
// delivery. Acks are manual: a record's offset is committed only after the
// worker's handler returns nil.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/Muxite/webrag/internal/domain"
	"github.com/Muxite/webrag/internal/observability"
)

// Queue implements domain.Broker on a Kafka-compatible cluster.
type Queue struct {
	brokers []string
	topic   string
	groupID string

	mu     sync.Mutex
	client *kgo.Client // producer + admin; nil until Connect
}

// NewQueue constructs an unconnected Queue.
func NewQueue(brokers []string, topic, groupID string) (*Queue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("missing topic")
	}
	return &Queue{brokers: brokers, topic: topic, groupID: groupID}, nil
}

// Connect establishes the producer/admin client and ensures the topic exists.
func (q *Queue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client != nil {
		return nil
	}
	slog.Info("connecting to broker", slog.Any("brokers", q.brokers), slog.String("topic", q.topic))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(q.brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return fmt.Errorf("op=broker.connect: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("op=broker.connect ping: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	if err := createTopicIfNotExists(ctx, client, q.topic, 8, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", q.topic), slog.Any("error", err))
	}
	q.client = client
	slog.Info("broker connected", slog.String("topic", q.topic))
	return nil
}

// Disconnect closes the producer/admin client.
func (q *Queue) Disconnect() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.client != nil {
		q.client.Close()
		q.client = nil
	}
	return nil
}

// IsReady reports broker connectivity with a short health-check timeout.
func (q *Queue) IsReady(ctx context.Context) bool {
	q.mu.Lock()
	client := q.client
	q.mu.Unlock()
	if client == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Ping(pctx) == nil
}

// PublishTask durably publishes one envelope, keyed by correlation id so
// redeliveries of the same task stay ordered.
func (q *Queue) PublishTask(ctx context.Context, env domain.TaskEnvelope) error {
	q.mu.Lock()
	client := q.client
	q.mu.Unlock()
	if client == nil {
		return fmt.Errorf("op=broker.publish: %w: not connected", domain.ErrBrokerUnavailable)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=broker.publish marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: q.topic,
		Key:   []byte(env.CorrelationID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "correlation_id", Value: []byte(env.CorrelationID)},
		},
	}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=broker.publish: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	observability.TasksEnqueuedTotal.Inc()
	slog.Info("task envelope published", slog.String("correlation_id", env.CorrelationID), slog.String("topic", q.topic))
	return nil
}

// ConsumeTasks joins the consumer group and delivers envelopes one at a time.
// The record offset is committed only when handler returns nil; a handler
// error aborts the loop uncommitted so the envelope is redelivered.
func (q *Queue) ConsumeTasks(ctx context.Context, handler func(context.Context, domain.TaskEnvelope) error) error {
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(q.brokers...),
		kgo.ConsumerGroup(q.groupID),
		kgo.ConsumeTopics(q.topic),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("op=broker.consume client: %w", err)
	}
	defer consumer.Close()

	slog.Info("consumer joined", slog.String("group_id", q.groupID), slog.String("topic", q.topic))
	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("op=broker.consume: client closed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			// A fetch error means the group session is in a bad state; exit
			// and let the reconnect loop restart the consumer.
			return fmt.Errorf("op=broker.consume fetch: %w: %v", domain.ErrBrokerUnavailable, errs[0].Err)
		}
		var abort error
		fetches.EachRecord(func(rec *kgo.Record) {
			if abort != nil {
				return
			}
			var env domain.TaskEnvelope
			if err := json.Unmarshal(rec.Value, &env); err != nil {
				slog.Error("dropping undecodable envelope",
					slog.String("topic", rec.Topic), slog.Int64("offset", rec.Offset), slog.Any("error", err))
				if cerr := consumer.CommitRecords(ctx, rec); cerr != nil {
					abort = fmt.Errorf("op=broker.consume commit: %w", cerr)
				}
				return
			}
			if err := handler(ctx, env); err != nil {
				abort = fmt.Errorf("op=broker.consume handler: %w", err)
				return
			}
			if cerr := consumer.CommitRecords(ctx, rec); cerr != nil {
				abort = fmt.Errorf("op=broker.consume commit: %w", cerr)
			}
		})
		if abort != nil {
			return abort
		}
	}
}

// QueueDepth returns the total unconsumed records on the task topic:
// sum over partitions of end offset minus committed group offset.
func (q *Queue) QueueDepth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	client := q.client
	q.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("op=broker.depth: %w: not connected", domain.ErrBrokerUnavailable)
	}
	adm := kadm.NewClient(client)
	ends, err := adm.ListEndOffsets(ctx, q.topic)
	if err != nil {
		return 0, fmt.Errorf("op=broker.depth end offsets: %w", err)
	}
	commits, err := adm.FetchOffsetsForTopics(ctx, q.groupID, q.topic)
	if err != nil {
		return 0, fmt.Errorf("op=broker.depth group offsets: %w", err)
	}
	var depth int64
	ends.Each(func(lo kadm.ListedOffset) {
		var committed int64
		if o, ok := commits.Lookup(lo.Topic, lo.Partition); ok && o.At > 0 {
			committed = o.At
		}
		if d := lo.Offset - committed; d > 0 {
			depth += d
		}
	})
	return depth, nil
}
