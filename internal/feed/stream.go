package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/emperorhan/event-feed/internal/feed/ratelimit"
	"github.com/emperorhan/event-feed/internal/feed/retry"
	"github.com/emperorhan/event-feed/internal/metrics"
	"github.com/emperorhan/event-feed/internal/tracing"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subscribe opens the live subscription first, then backfills from the
// filter's starting block to the head seen at subscription time, then
// forwards live logs. Logs arriving during backfill wait in the live
// channel, so the two phases may overlap but never leave a gap.
func (c *EthClient) Subscribe(ctx context.Context, filter model.SubscriptionFilter) (Stream, error) {
	topic, err := c.registry.Topic(filter.EventType())
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		Addresses: filter.Addresses(),
		Topics:    [][]common.Hash{{topic}},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	live := make(chan types.Log, c.bufferSize)
	sub, err := c.backend.SubscribeFilterLogs(streamCtx, query, live)
	ratelimit.RecordRPCCall("eth_subscribe", err)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Op: "subscribe", Endpoint: c.endpoint, Err: err}
	}

	var head uint64
	err = retry.Do(streamCtx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		head, callErr = c.backend.BlockNumber(ctx)
		ratelimit.RecordRPCCall("eth_blockNumber", callErr)
		return callErr
	})
	if err != nil {
		sub.Unsubscribe()
		cancel()
		return nil, &ConnectionError{Op: "block_number", Endpoint: c.endpoint, Err: err}
	}

	s := &logStream{
		client: c,
		filter: filter,
		query:  query,
		out:    make(chan Notification, c.bufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: c.logger.With("event_type", filter.EventType(), "stream", filter.Key()),
	}
	go s.run(streamCtx, sub, live, head)
	return s, nil
}

type logStream struct {
	client *EthClient
	filter model.SubscriptionFilter
	query  ethereum.FilterQuery
	logger *slog.Logger

	out       chan Notification
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *logStream) Notifications() <-chan Notification { return s.out }

func (s *logStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery and waits for the stream goroutine to exit.
func (s *logStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *logStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *logStream) run(ctx context.Context, sub ethereum.Subscription, live <-chan types.Log, head uint64) {
	defer close(s.done)
	defer close(s.out)
	defer sub.Unsubscribe()

	start := s.filter.StartingBlock()
	if start <= head {
		s.logger.Info("backfill started", "from_block", start, "to_block", head)
		if err := s.backfill(ctx, start, head); err != nil {
			s.setErr(err)
			return
		}
		s.logger.Info("backfill completed", "to_block", head)
	}

	eventType := s.filter.EventType()
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case err, ok := <-sub.Err():
			// Logs queued before the subscription ended are still delivered.
			if !s.drainLive(ctx, live) {
				s.setErr(ctx.Err())
				return
			}
			if !ok || err == nil {
				s.logger.Info("subscription closed by peer")
				return
			}
			s.setErr(&ConnectionError{Op: "subscription", Endpoint: s.client.endpoint, Err: err})
			return
		case lg := <-live:
			metrics.FeedLiveLogsTotal.WithLabelValues(eventType).Inc()
			if !s.emit(ctx, lg) {
				s.setErr(ctx.Err())
				return
			}
		}
	}
}

func (s *logStream) backfill(ctx context.Context, from, head uint64) error {
	chunk := s.client.chunkSize
	for lo := from; lo <= head; {
		hi := lo + chunk - 1
		if hi > head || hi < lo {
			hi = head
		}
		logs, err := s.fetchRange(ctx, lo, hi)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &ConnectionError{Op: "backfill", Endpoint: s.client.endpoint, Err: err}
		}
		for _, lg := range logs {
			if !s.emit(ctx, lg) {
				return ctx.Err()
			}
		}
		if hi == head {
			return nil
		}
		lo = hi + 1
	}
	return nil
}

func (s *logStream) fetchRange(ctx context.Context, lo, hi uint64) ([]types.Log, error) {
	eventType := s.filter.EventType()
	ctx, span := tracing.Tracer("feed").Start(ctx, "feed.backfillRange",
		trace.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.Int64("from_block", int64(lo)),
			attribute.Int64("to_block", int64(hi)),
		),
	)
	defer span.End()

	q := s.query
	q.FromBlock = new(big.Int).SetUint64(lo)
	q.ToBlock = new(big.Int).SetUint64(hi)

	start := time.Now()
	var logs []types.Log
	err := retry.Do(ctx, s.client.retry, func(ctx context.Context) error {
		if err := s.client.limiter.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		logs, callErr = s.client.backend.FilterLogs(ctx, q)
		ratelimit.RecordRPCCall("eth_getLogs", callErr)
		if callErr != nil && !errors.Is(callErr, context.Canceled) {
			s.logger.Warn("backfill range failed", "from_block", lo, "to_block", hi, "error", callErr)
		}
		return callErr
	})
	metrics.FeedBackfillRangeLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("eth_getLogs %d-%d: %w", lo, hi, err)
	}
	span.SetAttributes(attribute.Int("log_count", len(logs)))
	metrics.FeedBackfillLogsTotal.WithLabelValues(eventType).Add(float64(len(logs)))
	return logs, nil
}

// drainLive emits every log already waiting in live without blocking for
// more. It returns false once ctx is done.
func (s *logStream) drainLive(ctx context.Context, live <-chan types.Log) bool {
	eventType := s.filter.EventType()
	for {
		select {
		case lg := <-live:
			metrics.FeedLiveLogsTotal.WithLabelValues(eventType).Inc()
			if !s.emit(ctx, lg) {
				return false
			}
		default:
			return true
		}
	}
}

// emit decodes lg and delivers it. It returns false once ctx is done.
func (s *logStream) emit(ctx context.Context, lg types.Log) bool {
	eventType := s.filter.EventType()
	n := Notification{Meta: MetaFromLog(eventType, lg)}
	ev, err := s.client.registry.Decode(eventType, lg)
	if err != nil {
		n.DecodeErr = &DecodeError{EventType: eventType, BlockNumber: lg.BlockNumber, LogIndex: lg.Index, Err: err}
	} else {
		n.Event = ev
	}

	select {
	case s.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
