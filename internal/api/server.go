// Package api serves the buffered event records over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

// Snapshotter is the read side of the shared event buffer.
type Snapshotter interface {
	Snapshot() []model.EventRecord
}

// HealthProvider returns per-stream health snapshots as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// Server is the read-only query surface. It never mutates the buffer.
type Server struct {
	buf             Snapshotter
	healthProvider  HealthProvider
	limiter         *RateLimitMiddleware
	metricsHandler  http.Handler
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

type ServerOption func(*Server)

func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// WithEventsRateLimit limits GET /events per client IP. rps <= 0 disables
// limiting.
func WithEventsRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = NewRateLimitMiddleware(s.logger, eventsRule(rps, burst))
	}
}

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

func NewServer(buf Snapshotter, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		buf:             buf,
		metricsHandler:  promhttp.Handler(),
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListEvents returns the serialized records in buffer order.
func (s *Server) ListEvents() []string {
	records := s.buf.Snapshot()
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Serialized
	}
	return out
}

// Handler returns the HTTP handler for the query API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleLanding)
	mux.Handle("GET /events", s.rateLimited(http.HandlerFunc(s.handleListEvents)))
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /streams", s.handleStreams)
	mux.Handle("GET /metrics", s.metricsHandler)
	return instrument(s.logger, mux)
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Wrap(h)
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests
// for at most the shutdown timeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	if s.limiter != nil {
		defer s.limiter.Stop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.limiter != nil {
		defer s.limiter.Stop()
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("query server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("query server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("query server shutdown: %w", err)
	}
	s.logger.Info("query server stopped")
	return nil
}

type eventsResponse struct {
	Data []string `json:"data"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, eventsResponse{Data: s.ListEvents()})
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
