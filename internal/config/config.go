package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultStartingBlock    = 8450915
	defaultContractAddress  = "0xfeDB19A138fdF3432A88eB3dB9AD36f7aed073B0"
	defaultEventTypes       = "CollectionCreated,TokenMinted"
	defaultBufferCapacity   = 100_000
	defaultBackfillChunk    = 2000
	defaultShutdownTimeout  = 10
	defaultAlertCooldownSec = 300
)

type Config struct {
	Server  ServerConfig
	Feed    FeedConfig
	Buffer  BufferConfig
	Ingest  IngestConfig
	Redis   RedisConfig
	Tracing TracingConfig
	Alert   AlertConfig
	Log     LogConfig
}

type ServerConfig struct {
	BindAddr             string
	BindPort             int
	ShutdownTimeout      time.Duration
	EventsRateLimitRPS   float64
	EventsRateLimitBurst int
}

// ListenAddr returns host:port for net.Listen.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.BindAddr, strconv.Itoa(s.BindPort))
}

type FeedConfig struct {
	WSURL             string
	StartingBlock     uint64
	ContractAddresses []common.Address
	EventTypes        []string
	BackfillChunkSize uint64
	RPCRPS            float64
	RPCBurst          int
	ABIFile           string
}

type BufferConfig struct {
	Capacity int
}

type IngestConfig struct {
	MaxRecords        int
	DecodeErrorPolicy model.DecodeErrorPolicy
}

type RedisConfig struct {
	SinkEnabled bool
	URL         string
	Namespace   string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type LogConfig struct {
	Level string
}

// Filters builds one subscription filter per configured event type.
func (c *Config) Filters() []model.SubscriptionFilter {
	out := make([]model.SubscriptionFilter, 0, len(c.Feed.EventTypes))
	for _, et := range c.Feed.EventTypes {
		out = append(out, model.NewSubscriptionFilter(et, c.Feed.StartingBlock, c.Feed.ContractAddresses))
	}
	return out
}

// Load reads the configuration from the environment. When CONFIG_FILE names
// a YAML file its keys (lower-case env names) supply defaults that the
// environment overrides.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return src.load()
}

func (src source) load() (*Config, error) {
	var errs []string
	addErr := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:             src.getEnv("BIND_ADDR", "0.0.0.0"),
			BindPort:             src.getEnvInt("BIND_PORT", 8080),
			ShutdownTimeout:      time.Duration(src.getEnvInt("SHUTDOWN_TIMEOUT_SEC", defaultShutdownTimeout)) * time.Second,
			EventsRateLimitRPS:   src.getEnvFloat("EVENTS_RATE_LIMIT_RPS", 5),
			EventsRateLimitBurst: src.getEnvInt("EVENTS_RATE_LIMIT_BURST", 10),
		},
		Feed: FeedConfig{
			WSURL:             src.getEnv("FEED_WS_URL", ""),
			StartingBlock:     src.getEnvUint("FEED_STARTING_BLOCK", defaultStartingBlock),
			EventTypes:        splitList(src.getEnv("FEED_EVENT_TYPES", defaultEventTypes)),
			BackfillChunkSize: src.getEnvUint("FEED_BACKFILL_CHUNK_SIZE", defaultBackfillChunk),
			RPCRPS:            src.getEnvFloat("FEED_RPC_RPS", 10),
			RPCBurst:          src.getEnvInt("FEED_RPC_BURST", 5),
			ABIFile:           src.getEnv("EVENTS_ABI_FILE", ""),
		},
		Buffer: BufferConfig{
			Capacity: src.getEnvInt("BUFFER_CAPACITY", defaultBufferCapacity),
		},
		Ingest: IngestConfig{
			MaxRecords: src.getEnvInt("INGEST_MAX_RECORDS", 0),
		},
		Redis: RedisConfig{
			SinkEnabled: src.getEnvBool("REDIS_SINK_ENABLED", false),
			URL:         src.getEnv("REDIS_URL", "redis://localhost:6379"),
			Namespace:   src.getEnv("REDIS_STREAM_NAMESPACE", "feed"),
		},
		Tracing: TracingConfig{
			Enabled:     src.getEnvBool("TRACING_ENABLED", false),
			Endpoint:    src.getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    src.getEnvBool("TRACING_INSECURE", true),
			SampleRatio: src.getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		Alert: AlertConfig{
			SlackWebhookURL: src.getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      src.getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(src.getEnvInt("ALERT_COOLDOWN_SEC", defaultAlertCooldownSec)) * time.Second,
		},
		Log: LogConfig{
			Level: strings.ToLower(src.getEnv("LOG_LEVEL", "info")),
		},
	}

	policy, err := model.ParseDecodeErrorPolicy(src.getEnv("INGEST_DECODE_ERROR_POLICY", string(model.DecodeErrorSkip)))
	addErr(err)
	cfg.Ingest.DecodeErrorPolicy = policy

	addrs, err := parseAddresses(src.getEnv("FEED_CONTRACT_ADDRESSES", defaultContractAddress))
	addErr(err)
	cfg.Feed.ContractAddresses = addrs

	addErr(cfg.validate())
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.Feed.WSURL == "" {
		problems = append(problems, "FEED_WS_URL is required")
	}
	if len(c.Feed.ContractAddresses) == 0 {
		problems = append(problems, "FEED_CONTRACT_ADDRESSES must name at least one contract")
	}
	if len(c.Feed.EventTypes) == 0 {
		problems = append(problems, "FEED_EVENT_TYPES must name at least one event type")
	}
	seen := make(map[string]struct{}, len(c.Feed.EventTypes))
	for _, et := range c.Feed.EventTypes {
		if _, dup := seen[et]; dup {
			problems = append(problems, fmt.Sprintf("FEED_EVENT_TYPES lists %s twice", et))
		}
		seen[et] = struct{}{}
	}
	if c.Feed.BackfillChunkSize == 0 {
		problems = append(problems, "FEED_BACKFILL_CHUNK_SIZE must be positive")
	}
	if c.Buffer.Capacity <= 0 {
		problems = append(problems, "BUFFER_CAPACITY must be positive")
	}
	if c.Ingest.MaxRecords < 0 {
		problems = append(problems, "INGEST_MAX_RECORDS must not be negative")
	}
	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		problems = append(problems, "BIND_PORT must be in 1..65535")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		problems = append(problems, "TRACING_SAMPLE_RATIO must be in [0,1]")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		problems = append(problems, "OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_ENABLED")
	}
	if c.Redis.SinkEnabled && c.Redis.URL == "" {
		problems = append(problems, "REDIS_URL is required when REDIS_SINK_ENABLED")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func parseAddresses(raw string) ([]common.Address, error) {
	var out []common.Address
	for _, s := range splitList(raw) {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("FEED_CONTRACT_ADDRESSES: %q is not a hex address", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// source resolves a key from the environment, then the optional file.
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(tv))
			for _, item := range tv {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToLower(k)] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("parse config file %s: key %q must be a scalar or list", path, k)
		default:
			out[strings.ToLower(k)] = fmt.Sprint(tv)
		}
	}
	return out, nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) getEnv(key, fallback string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (s source) getEnvInt(key string, fallback int) int {
	if v := s.lookup(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func (s source) getEnvUint(key string, fallback uint64) uint64 {
	if v := s.lookup(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func (s source) getEnvFloat(key string, fallback float64) float64 {
	if v := s.lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func (s source) getEnvBool(key string, fallback bool) bool {
	if v := s.lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
