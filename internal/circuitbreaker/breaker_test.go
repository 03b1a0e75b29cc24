package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(Config{Name: "test", FailureThreshold: threshold, Cooldown: cooldown})
	b.nowFn = clock.Now
	return b, clock
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not run fn")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	require.NoError(t, b.Execute(succeed))
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(1, time.Minute)
		_ = b.Execute(fail)
		require.Equal(t, StateOpen, b.State())

		clock.Advance(59 * time.Second)
		assert.ErrorIs(t, b.Execute(succeed), ErrOpen)

		clock.Advance(2 * time.Second)
		require.NoError(t, b.Execute(succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clock := newTestBreaker(1, time.Minute)
		_ = b.Execute(fail)
		clock.Advance(2 * time.Minute)

		assert.ErrorIs(t, b.Execute(fail), errBoom)
		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(succeed), ErrOpen, "cooldown restarts at the failed probe")
	})
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	_ = b.Execute(fail)
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(succeed), ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := New(Config{
		Name:             "sink",
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	clock := &fakeClock{now: time.Unix(0, 0)}
	b.nowFn = clock.Now

	_ = b.Execute(fail)
	clock.Advance(2 * time.Minute)
	_ = b.Execute(succeed)

	assert.Equal(t, []string{"sink:closed->open", "sink:open->half-open", "sink:half-open->closed"}, transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
