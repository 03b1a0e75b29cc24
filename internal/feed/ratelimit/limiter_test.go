package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5, "eth_getLogs")

	require.NotNil(t, l)
	assert.Equal(t, "eth_getLogs", l.method)
	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestNewLimiter_NonPositiveRateIsUnlimited(t *testing.T) {
	l := NewLimiter(0, 0, "eth_getLogs")
	assert.Equal(t, rate.Inf, l.limiter.Limit())
	assert.Equal(t, 1, l.limiter.Burst())

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "eth_getLogs")

	for i := 0; i < burst; i++ {
		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	l := NewLimiter(10, 1, "eth_getLogs")

	require.NoError(t, l.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := NewLimiter(0.1, 1, "eth_getLogs")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("429 Too Many Requests"), "rate_limited"},
		{errors.New("503 Service Unavailable"), "server_error"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("unexpected EOF"), "network_error"},
		{errors.New("context canceled"), "canceled"},
		{errors.New("invalid params"), "client_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRPCError(tt.err), "%v", tt.err)
	}
}
