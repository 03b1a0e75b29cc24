package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/event-feed/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket rate limiter for upstream RPC calls.
type Limiter struct {
	limiter *rate.Limiter
	method  string
}

// NewLimiter creates a rate limiter that allows rps requests per second
// with a burst capacity of burst tokens. rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int, method string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		method:  method,
	}
}

// Wait blocks until the limiter allows one call, or ctx is done.
// Reserve guarantees exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(l.method).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall records an RPC call metric with status classification.
func RecordRPCCall(method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError classifies an RPC error into a metric status label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "internal server error") || strings.Contains(lower, "502") || strings.Contains(lower, "503"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "use of closed network connection") || strings.Contains(lower, "eof"):
		return "network_error"
	case strings.Contains(lower, "context canceled"):
		return "canceled"
	default:
		return "client_error"
	}
}
