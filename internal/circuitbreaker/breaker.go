// Package circuitbreaker short-circuits calls to a dependency that keeps
// failing, so callers on a hot path stop paying its timeout.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config sets the breaker thresholds. Zero values take the defaults.
type Config struct {
	// Name labels state change callbacks.
	Name string
	// FailureThreshold consecutive failures open the breaker (default 5).
	FailureThreshold int
	// Cooldown is how long the breaker stays open before one probe call
	// is let through (default 30s).
	Cooldown time.Duration
	// OnStateChange runs with the breaker lock held; it must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker closes again after a single successful probe in half-open state;
// a failed probe reopens it for another cooldown.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
	nowFn    func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: StateClosed, nowFn: time.Now}
}

// Execute runs fn unless the breaker is open. fn's error counts as a
// failure.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.release(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		// One probe at a time.
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	b.probing = false
	if err == nil {
		b.failures = 0
		if wasProbe {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.nowFn()
		b.transition(StateOpen)
	}
}

// State reports the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
