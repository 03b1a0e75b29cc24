// Package redis mirrors appended event records into Redis Streams for
// downstream consumers. The service never reads these streams back.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/emperorhan/event-feed/internal/circuitbreaker"
	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// Sink publishes each record to "<namespace>:<event_type>" with XADD,
// trimming the stream approximately to maxLen entries.
type Sink struct {
	client    *redis.Client
	namespace string
	maxLen    int64
	breaker   *circuitbreaker.Breaker
}

type SinkOption func(*Sink)

// WithBreaker fails publishes fast while Redis keeps erroring.
func WithBreaker(b *circuitbreaker.Breaker) SinkOption {
	return func(s *Sink) { s.breaker = b }
}

func NewSink(ctx context.Context, url, namespace string, maxLen int64, opts ...SinkOption) (*Sink, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newSink(client, namespace, maxLen, opts...), nil
}

func newSink(client *redis.Client, namespace string, maxLen int64, opts ...SinkOption) *Sink {
	if namespace == "" {
		namespace = "feed"
	}
	s := &Sink{client: client, namespace: namespace, maxLen: maxLen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamKey is the Redis key records of eventType are published to.
func StreamKey(namespace, eventType string) string {
	return namespace + ":" + eventType
}

// Publish appends record to its event type stream.
func (s *Sink) Publish(ctx context.Context, record model.EventRecord) error {
	if s.breaker == nil {
		return s.xadd(ctx, record)
	}
	return s.breaker.Execute(func() error { return s.xadd(ctx, record) })
}

func (s *Sink) xadd(ctx context.Context, record model.EventRecord) error {
	args := &redis.XAddArgs{
		Stream: StreamKey(s.namespace, record.EventType),
		Values: recordValues(record),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}

func recordValues(record model.EventRecord) map[string]any {
	return map[string]any{
		"id":           record.ID,
		"block_number": strconv.FormatUint(record.BlockNumber, 10),
		"payload":      record.Serialized,
	}
}
