// Package feed connects to an EVM node and turns contract logs into ordered
// notification streams, one per subscription filter.
package feed

//go:generate mockgen -destination=mocks/mock_feed.go -package=mocks github.com/emperorhan/event-feed/internal/feed Client,Stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/emperorhan/event-feed/internal/feed/ratelimit"
	"github.com/emperorhan/event-feed/internal/feed/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultBackfillChunkSize is the block span of one eth_getLogs range.
const DefaultBackfillChunkSize uint64 = 2000

const defaultNotificationBuffer = 64

// Client is the upstream feed consumed by stream ingestors.
type Client interface {
	ClientVersion(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, filter model.SubscriptionFilter) (Stream, error)
	Close()
}

// Stream is one ordered subscription. Notifications is closed when the
// stream ends; Err then reports why. A nil Err means the peer ended the
// stream normally.
type Stream interface {
	Notifications() <-chan Notification
	Err() error
	Close()
}

// Notification carries either a decoded event or the decode failure for a
// log the feed could not interpret.
type Notification struct {
	Event     *DecodedEvent
	Meta      model.RecordMeta
	DecodeErr error
}

// LogBackend is the subset of ethclient.Client used for log retrieval.
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

type rpcCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// MetaFromLog extracts position metadata from a raw log.
func MetaFromLog(eventType string, lg types.Log) model.RecordMeta {
	return model.RecordMeta{
		EventType:   eventType,
		Address:     lg.Address.Hex(),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
		Removed:     lg.Removed,
	}
}

// EthClient implements Client over a go-ethereum connection.
type EthClient struct {
	backend  LogBackend
	caller   rpcCaller
	registry *EventRegistry
	logger   *slog.Logger
	endpoint string

	chunkSize  uint64
	limiter    *ratelimit.Limiter
	retry      retry.Policy
	bufferSize int
}

type Option func(*EthClient)

func WithBackfillChunkSize(blocks uint64) Option {
	return func(c *EthClient) {
		if blocks > 0 {
			c.chunkSize = blocks
		}
	}
}

// WithLimiter rate limits backfill calls. Live subscriptions are push based
// and not limited.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *EthClient) { c.limiter = l }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *EthClient) { c.retry = p }
}

func WithNotificationBuffer(n int) Option {
	return func(c *EthClient) {
		if n >= 0 {
			c.bufferSize = n
		}
	}
}

func WithEndpoint(endpoint string) Option {
	return func(c *EthClient) { c.endpoint = redactEndpoint(endpoint) }
}

// Dial connects to endpoint (ws:// or wss:// for live subscriptions).
func Dial(ctx context.Context, endpoint string, registry *EventRegistry, logger *slog.Logger, opts ...Option) (*EthClient, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Endpoint: redactEndpoint(endpoint), Err: err}
	}
	opts = append([]Option{WithEndpoint(endpoint)}, opts...)
	return NewClient(ethclient.NewClient(rpcClient), rpcClient, registry, logger, opts...), nil
}

// NewClient wraps an existing backend. caller serves web3_clientVersion and
// may be nil, in which case ClientVersion fails.
func NewClient(backend LogBackend, caller rpcCaller, registry *EventRegistry, logger *slog.Logger, opts ...Option) *EthClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &EthClient{
		backend:    backend,
		caller:     caller,
		registry:   registry,
		logger:     logger.With("component", "feed"),
		chunkSize:  DefaultBackfillChunkSize,
		limiter:    ratelimit.NewLimiter(0, 1, "eth_getLogs"),
		retry:      retry.DefaultPolicy,
		bufferSize: defaultNotificationBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientVersion returns the node's web3_clientVersion string.
func (c *EthClient) ClientVersion(ctx context.Context) (string, error) {
	if c.caller == nil {
		return "", &ConnectionError{Op: "client_version", Endpoint: c.endpoint, Err: fmt.Errorf("no rpc caller configured")}
	}
	var version string
	err := c.caller.CallContext(ctx, &version, "web3_clientVersion")
	ratelimit.RecordRPCCall("web3_clientVersion", err)
	if err != nil {
		return "", &ConnectionError{Op: "client_version", Endpoint: c.endpoint, Err: err}
	}
	return version, nil
}

// Close releases the underlying connection. Open streams end with a
// ConnectionError.
func (c *EthClient) Close() {
	c.backend.Close()
}

// redactEndpoint keeps scheme and host. Providers embed API keys in the path
// or query.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "<endpoint>"
	}
	return u.Scheme + "://" + u.Host
}
