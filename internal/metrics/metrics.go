package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Buffer, ingest and serving counters. Stream-scoped series are labelled by
// event type so two subscriptions of one contract stay distinguishable.

var (
	// Buffer
	BufferRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "buffer",
		Name:      "records",
		Help:      "Records currently retained in the event buffer",
	})

	BufferAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "buffer",
		Name:      "appends_total",
		Help:      "Total records appended to the event buffer",
	})

	BufferEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "buffer",
		Name:      "evictions_total",
		Help:      "Total records evicted from the head of the event buffer",
	})

	// Ingest
	IngestRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Total records appended by stream ingestors",
	}, []string{"event_type"})

	IngestDecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "decode_errors_total",
		Help:      "Total notifications that could not be decoded into records",
	}, []string{"event_type", "policy"})

	IngestSinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "sink_errors_total",
		Help:      "Total record sink publish failures",
	}, []string{"event_type"})

	SinkBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "sink_breaker_state",
		Help:      "Record sink circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"sink"})

	IngestLastBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "last_block",
		Help:      "Block number of the most recent record per stream",
	}, []string{"event_type"})

	IngestStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "ingest",
		Name:      "streams_active",
		Help:      "Stream ingestors currently inside their receive loop",
	})

	// Upstream feed
	FeedBackfillLogsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "upstream",
		Name:      "backfill_logs_total",
		Help:      "Total logs returned by backfill range queries",
	}, []string{"event_type"})

	FeedBackfillRangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feed",
		Subsystem: "upstream",
		Name:      "backfill_range_duration_seconds",
		Help:      "Duration of one backfill eth_getLogs range including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"event_type"})

	FeedLiveLogsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "upstream",
		Name:      "live_logs_total",
		Help:      "Total logs delivered by live subscriptions",
	}, []string{"event_type"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Upstream RPC calls by method and status class",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Upstream RPC calls delayed by the local rate limiter",
	}, []string{"method"})

	// Orchestration
	UnitExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "pipeline",
		Name:      "unit_exits_total",
		Help:      "Unit terminations by outcome (completed, failed, cancelled)",
	}, []string{"unit", "outcome"})

	StreamHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feed",
		Subsystem: "pipeline",
		Name:      "stream_health_status",
		Help:      "Stream health (1=streaming, 0.5=degraded, 0=stopped or failed)",
	}, []string{"stream"})

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, path and status class",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feed",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "HTTP requests rejected by the per-client rate limiter",
	}, []string{"path"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feed",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
