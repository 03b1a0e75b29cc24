// Package pipeline runs the service's units (stream ingestors and the query
// server) under one cancellation scope: the first unit to end, an interrupt
// signal, or the parent context stops all of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/event-feed/internal/alert"
	"github.com/emperorhan/event-feed/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultStragglerWarning is how long after cancellation RunAll waits before
// logging the units that have not yet returned.
const DefaultStragglerWarning = 10 * time.Second

// ErrInterrupted is the cancellation cause when an OS signal ends the run.
var ErrInterrupted = errors.New("interrupted")

// Unit is one concurrently running loop.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type funcUnit struct {
	name string
	run  func(ctx context.Context) error
}

func (u funcUnit) Name() string                  { return u.name }
func (u funcUnit) Run(ctx context.Context) error { return u.run(ctx) }

// NewUnit adapts a function to Unit.
func NewUnit(name string, run func(ctx context.Context) error) Unit {
	return funcUnit{name: name, run: run}
}

// UnitExit is the cancellation cause recorded when a unit returns first.
type UnitExit struct {
	Unit string
	Err  error
}

func (e *UnitExit) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unit %s completed", e.Unit)
	}
	return fmt.Sprintf("unit %s: %v", e.Unit, e.Err)
}

func (e *UnitExit) Unwrap() error { return e.Err }

type Orchestrator struct {
	logger           *slog.Logger
	signals          <-chan os.Signal
	alerter          alert.Alerter
	stragglerWarning time.Duration
}

type Option func(*Orchestrator)

// WithSignals makes the first value received on ch an interrupt.
func WithSignals(ch <-chan os.Signal) Option {
	return func(o *Orchestrator) { o.signals = ch }
}

func WithAlerter(a alert.Alerter) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.alerter = a
		}
	}
}

func WithStragglerWarning(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stragglerWarning = d
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		logger:           logger.With("component", "orchestrator"),
		alerter:          &alert.NoopAlerter{},
		stragglerWarning: DefaultStragglerWarning,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAll starts every unit and returns once all of them have returned.
// The first termination cancels the rest. The result is nil for an
// interrupt or parent cancellation, otherwise the first unit's own result;
// errors from units that merely observed cancellation are dropped.
func (o *Orchestrator) RunAll(parent context.Context, units ...Unit) error {
	if len(units) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	var active sync.Map
	var g errgroup.Group
	for _, u := range units {
		u := u
		active.Store(u.Name(), struct{}{})
		g.Go(func() error {
			err := o.runUnit(ctx, u)
			active.Delete(u.Name())
			o.recordExit(ctx, u.Name(), err)
			cancel(&UnitExit{Unit: u.Name(), Err: err})
			return nil
		})
	}

	running := make(chan struct{})
	defer close(running)
	if o.signals != nil {
		go func() {
			select {
			case sig := <-o.signals:
				o.logger.Info("received signal, shutting down", "signal", sig.String())
				cancel(ErrInterrupted)
			case <-ctx.Done():
			case <-running:
			}
		}()
	}
	go o.watchStragglers(ctx, running, &active)

	o.logger.Info("units started", "count", len(units))
	_ = g.Wait()

	cause := context.Cause(ctx)
	unit, result := o.resolve(parent, cause)
	switch {
	case result != nil:
		o.notify(alert.Alert{
			Type:    alert.AlertTypeStreamFailed,
			Stream:  unit,
			Title:   "Event feed stopped on unit failure",
			Message: result.Error(),
		})
	case errors.Is(cause, ErrInterrupted):
		o.notify(alert.Alert{
			Type:    alert.AlertTypeShutdown,
			Title:   "Event feed shut down",
			Message: fmt.Sprintf("interrupted, stopped %d units", len(units)),
		})
	}
	return result
}

func (o *Orchestrator) runUnit(ctx context.Context, u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panic: %v\n%s", u.Name(), r, debug.Stack())
		}
	}()
	return u.Run(ctx)
}

func (o *Orchestrator) recordExit(ctx context.Context, name string, err error) {
	switch {
	case ctx.Err() != nil:
		// Another unit, a signal, or the parent ended the run first.
		metrics.UnitExitsTotal.WithLabelValues(name, "cancelled").Inc()
		if err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("unit stopped with error after cancellation", "unit", name, "error", err)
		} else {
			o.logger.Info("unit stopped", "unit", name)
		}
	case err == nil:
		metrics.UnitExitsTotal.WithLabelValues(name, "completed").Inc()
		o.logger.Info("unit completed", "unit", name)
	default:
		metrics.UnitExitsTotal.WithLabelValues(name, "failed").Inc()
		o.logger.Error("unit failed", "unit", name, "error", err)
	}
}

// resolve maps the cancellation cause to RunAll's result and the unit
// responsible for it.
func (o *Orchestrator) resolve(parent context.Context, cause error) (string, error) {
	if errors.Is(cause, ErrInterrupted) {
		return "", nil
	}
	var exit *UnitExit
	if errors.As(cause, &exit) {
		return exit.Unit, exit.Err
	}
	if parent.Err() != nil {
		o.logger.Info("parent context done", "cause", cause)
		return "", nil
	}
	return "", cause
}

func (o *Orchestrator) watchStragglers(ctx context.Context, running <-chan struct{}, active *sync.Map) {
	select {
	case <-ctx.Done():
	case <-running:
		return
	}
	timer := time.NewTimer(o.stragglerWarning)
	defer timer.Stop()
	select {
	case <-timer.C:
		var names []string
		active.Range(func(k, _ any) bool {
			names = append(names, k.(string))
			return true
		})
		sort.Strings(names)
		o.logger.Warn("units still running after cancellation", "waited", o.stragglerWarning.String(), "units", names)
	case <-running:
	}
}

func (o *Orchestrator) notify(al alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.alerter.Send(ctx, al); err != nil {
		o.logger.Warn("alert not delivered", "type", string(al.Type), "error", err)
	}
}
