package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/event-feed/internal/alert"
	"github.com/emperorhan/event-feed/internal/api"
	"github.com/emperorhan/event-feed/internal/buffer"
	"github.com/emperorhan/event-feed/internal/circuitbreaker"
	"github.com/emperorhan/event-feed/internal/config"
	"github.com/emperorhan/event-feed/internal/feed"
	"github.com/emperorhan/event-feed/internal/feed/ratelimit"
	"github.com/emperorhan/event-feed/internal/ingest"
	"github.com/emperorhan/event-feed/internal/metrics"
	"github.com/emperorhan/event-feed/internal/pipeline"
	redispkg "github.com/emperorhan/event-feed/internal/store/redis"
	"github.com/emperorhan/event-feed/internal/tracing"
)

const (
	serviceName = "event-feed"
	dialTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("event feed stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("event feed stopped")
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting event feed",
		"listen_addr", cfg.Server.ListenAddr(),
		"starting_block", cfg.Feed.StartingBlock,
		"contracts", len(cfg.Feed.ContractAddresses),
		"event_types", cfg.Feed.EventTypes,
		"buffer_capacity", cfg.Buffer.Capacity,
		"decode_error_policy", cfg.Ingest.DecodeErrorPolicy,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: serviceName,
		Endpoint:    tracingEndpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	registry, err := feed.LoadEventRegistry(cfg.Feed.ABIFile)
	if err != nil {
		return fmt.Errorf("load events abi: %w", err)
	}
	for _, et := range cfg.Feed.EventTypes {
		if _, err := registry.Lookup(et); err != nil {
			return fmt.Errorf("event type %s: %w", et, err)
		}
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	defer cancelDial()
	client, err := feed.Dial(dialCtx, cfg.Feed.WSURL, registry, logger,
		feed.WithBackfillChunkSize(cfg.Feed.BackfillChunkSize),
		feed.WithLimiter(ratelimit.NewLimiter(cfg.Feed.RPCRPS, cfg.Feed.RPCBurst, "eth_getLogs")),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	version, err := client.ClientVersion(dialCtx)
	if err != nil {
		return err
	}
	logger.Info("connected to upstream node", "client_version", version)

	buf := buffer.New(cfg.Buffer.Capacity)
	board := pipeline.NewHealthBoard()

	var sink ingest.Sink
	if cfg.Redis.SinkEnabled {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name: "redis",
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.SinkBreakerState.WithLabelValues(name).Set(float64(to))
				logger.Warn("record sink breaker state changed", "sink", name, "from", from.String(), "to", to.String())
			},
		})
		redisSink, err := redispkg.NewSink(dialCtx, cfg.Redis.URL, cfg.Redis.Namespace, int64(cfg.Buffer.Capacity),
			redispkg.WithBreaker(breaker))
		if err != nil {
			return fmt.Errorf("initialize redis sink: %w", err)
		}
		defer redisSink.Close()
		sink = redisSink
		logger.Info("redis record sink enabled", "stream_namespace", cfg.Redis.Namespace)
	}

	units := pipeline.NewRegistry()
	for _, filter := range cfg.Filters() {
		opts := []ingest.Option{
			ingest.WithMaxRecords(cfg.Ingest.MaxRecords),
			ingest.WithDecodeErrorPolicy(cfg.Ingest.DecodeErrorPolicy),
			ingest.WithLogger(logger),
			ingest.WithHealth(board.Track(filter.Key())),
		}
		if sink != nil {
			opts = append(opts, ingest.WithSink(sink))
		}
		if err := units.Register(filter, ingest.New(client, filter, buf, opts...)); err != nil {
			return err
		}
	}

	server := api.NewServer(buf, logger,
		api.WithHealthProvider(board),
		api.WithEventsRateLimit(cfg.Server.EventsRateLimitRPS, cfg.Server.EventsRateLimitBurst),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	listenAddr := cfg.Server.ListenAddr()
	apiUnit := pipeline.NewUnit("api", func(ctx context.Context) error {
		return server.Run(ctx, listenAddr)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	orchestrator := pipeline.New(logger,
		pipeline.WithSignals(sigCh),
		pipeline.WithAlerter(alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)),
	)

	all := append(units.Units(), apiUnit)
	err = orchestrator.RunAll(context.Background(), all...)

	stats := buf.Stats()
	logger.Info("buffer at shutdown", "records", stats.Len, "appended", stats.Appended, "evicted", stats.Evicted)
	return err
}
