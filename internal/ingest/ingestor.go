// Package ingest runs one subscription loop per filter, turning feed
// notifications into buffered event records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/emperorhan/event-feed/internal/feed"
	"github.com/emperorhan/event-feed/internal/metrics"
	"github.com/google/uuid"
)

const defaultSinkTimeout = 2 * time.Second

// Appender is the write side of the shared event buffer.
type Appender interface {
	Append(record model.EventRecord)
}

// Sink mirrors appended records to an external consumer. Failures never
// stop ingestion.
type Sink interface {
	Publish(ctx context.Context, record model.EventRecord) error
}

// HealthRecorder receives stream lifecycle updates.
type HealthRecorder interface {
	MarkStreaming()
	RecordEvent(blockNumber uint64, at time.Time)
	RecordDecodeError()
	MarkStopped(err error)
}

// Ingestor owns one subscription. Records are appended from a single
// goroutine, so they reach the buffer in delivery order.
type Ingestor struct {
	client feed.Client
	filter model.SubscriptionFilter
	buf    Appender

	maxRecords  int
	policy      model.DecodeErrorPolicy
	logger      *slog.Logger
	sink        Sink
	sinkTimeout time.Duration
	health      HealthRecorder

	now   func() time.Time
	newID func() string
}

type Option func(*Ingestor)

// WithMaxRecords ends the stream normally after n records. n <= 0 means
// unbounded.
func WithMaxRecords(n int) Option {
	return func(i *Ingestor) { i.maxRecords = n }
}

func WithDecodeErrorPolicy(p model.DecodeErrorPolicy) Option {
	return func(i *Ingestor) { i.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithSink(s Sink) Option {
	return func(i *Ingestor) { i.sink = s }
}

func WithHealth(h HealthRecorder) Option {
	return func(i *Ingestor) { i.health = h }
}

func New(client feed.Client, filter model.SubscriptionFilter, buf Appender, opts ...Option) *Ingestor {
	i := &Ingestor{
		client:      client,
		filter:      filter,
		buf:         buf,
		policy:      model.DecodeErrorSkip,
		logger:      slog.Default(),
		sinkTimeout: defaultSinkTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ingest", "stream", filter.Key(), "event_type", filter.EventType())
	return i
}

// Name identifies the ingestor in orchestration logs and metrics.
func (i *Ingestor) Name() string {
	return "ingest:" + i.filter.Key()
}

// Run subscribes and appends records until ctx is cancelled, the stream
// ends, or the record bound is reached. Cancellation returns ctx.Err();
// peer close and the record bound return nil.
func (i *Ingestor) Run(ctx context.Context) (err error) {
	if i.health != nil {
		defer func() { i.health.MarkStopped(err) }()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stream, err := i.client.Subscribe(ctx, i.filter)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("subscribe %s: %w", i.filter.Key(), err)
	}
	defer stream.Close()

	metrics.IngestStreamsActive.Inc()
	defer metrics.IngestStreamsActive.Dec()
	if i.health != nil {
		i.health.MarkStreaming()
	}
	i.logger.Info("stream ingestor started", "starting_block", i.filter.StartingBlock(), "max_records", i.maxRecords)

	appended := 0
	notifications := stream.Notifications()
	for {
		if err := ctx.Err(); err != nil {
			i.logger.Info("stream ingestor interrupted", "records", appended)
			return err
		}

		select {
		case <-ctx.Done():
			i.logger.Info("stream ingestor interrupted", "records", appended)
			return ctx.Err()

		case n, ok := <-notifications:
			if !ok {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if streamErr := stream.Err(); streamErr != nil {
					i.logger.Error("stream ended with error", "records", appended, "error", streamErr)
					return fmt.Errorf("stream %s: %w", i.filter.Key(), streamErr)
				}
				i.logger.Info("stream completed by peer", "records", appended)
				return nil
			}

			record, err := i.buildRecord(n)
			if err != nil {
				if err := i.handleDecodeError(err); err != nil {
					return err
				}
				continue
			}
			// Cancellation may race the receive above.
			if err := ctx.Err(); err != nil {
				return err
			}
			i.buf.Append(record)
			appended++
			i.afterAppend(ctx, record)

			if i.maxRecords > 0 && appended >= i.maxRecords {
				i.logger.Info("record bound reached", "records", appended)
				return nil
			}
		}
	}
}

func (i *Ingestor) buildRecord(n feed.Notification) (model.EventRecord, error) {
	if n.DecodeErr != nil {
		return model.EventRecord{}, n.DecodeErr
	}
	if n.Event == nil {
		return model.EventRecord{}, &feed.DecodeError{
			EventType:   i.filter.EventType(),
			BlockNumber: n.Meta.BlockNumber,
			LogIndex:    n.Meta.LogIndex,
			Err:         errors.New("notification carries no event"),
		}
	}
	record, err := model.NewEventRecord(i.newID(), n.Meta, n.Event.Fields, i.now())
	if err != nil {
		return model.EventRecord{}, &feed.DecodeError{
			EventType:   i.filter.EventType(),
			BlockNumber: n.Meta.BlockNumber,
			LogIndex:    n.Meta.LogIndex,
			Err:         err,
		}
	}
	return record, nil
}

// handleDecodeError applies the decode policy. A non-nil result ends Run.
func (i *Ingestor) handleDecodeError(err error) error {
	eventType := i.filter.EventType()
	metrics.IngestDecodeErrorsTotal.WithLabelValues(eventType, string(i.policy)).Inc()
	if i.health != nil {
		i.health.RecordDecodeError()
	}
	if i.policy == model.DecodeErrorFail {
		i.logger.Error("undecodable notification", "policy", string(i.policy), "error", err)
		return err
	}
	i.logger.Warn("skipping undecodable notification", "error", err)
	return nil
}

func (i *Ingestor) afterAppend(ctx context.Context, record model.EventRecord) {
	eventType := i.filter.EventType()
	metrics.IngestRecordsTotal.WithLabelValues(eventType).Inc()
	metrics.IngestLastBlock.WithLabelValues(eventType).Set(float64(record.BlockNumber))
	if i.health != nil {
		i.health.RecordEvent(record.BlockNumber, record.ReceivedAt)
	}
	i.logger.Debug("record appended", "id", record.ID, "block_number", record.BlockNumber, "log_index", record.LogIndex)

	if i.sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, i.sinkTimeout)
	defer cancel()
	if err := i.sink.Publish(sinkCtx, record); err != nil {
		metrics.IngestSinkErrorsTotal.WithLabelValues(eventType).Inc()
		i.logger.Warn("record sink publish failed", "id", record.ID, "error", err)
	}
}
