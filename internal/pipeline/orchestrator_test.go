package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/emperorhan/event-feed/internal/alert"
	"github.com/emperorhan/event-feed/internal/buffer"
	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
	return nil
}

// blockingUnit runs until its context is cancelled and reports how it ended.
func blockingUnit(name string, stopped *atomic.Int32) Unit {
	return NewUnit(name, func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return ctx.Err()
	})
}

func runWithTimeout(t *testing.T, o *Orchestrator, ctx context.Context, units ...Unit) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- o.RunAll(ctx, units...) }()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("RunAll did not return")
		return nil
	}
}

func TestRunAll_NoUnits(t *testing.T) {
	assert.NoError(t, New(testLogger()).RunAll(context.Background()))
}

func TestRunAll_SignalInterruptsMidReceive(t *testing.T) {
	buf := buffer.New(10)
	signals := make(chan os.Signal, 1)
	var stopped atomic.Int32

	receiving := make(chan struct{})
	ingestor := NewUnit("ingest:TokenMinted@1", func(ctx context.Context) error {
		feed := make(chan model.EventRecord)
		close(receiving)
		select {
		case <-ctx.Done():
			stopped.Add(1)
			return ctx.Err()
		case r := <-feed:
			buf.Append(r)
			return nil
		}
	})

	go func() {
		<-receiving
		signals <- syscall.SIGINT
	}()

	o := New(testLogger(), WithSignals(signals))
	err := runWithTimeout(t, o, context.Background(), ingestor, blockingUnit("api", &stopped))

	assert.NoError(t, err, "interrupt is a graceful shutdown")
	assert.Equal(t, int32(2), stopped.Load())
	assert.Equal(t, 0, buf.Len())
}

func TestRunAll_FirstFailurePropagates(t *testing.T) {
	boom := errors.New("subscription lost")
	var stopped atomic.Int32
	alerter := &recordingAlerter{}

	failing := NewUnit("ingest:CollectionCreated@1", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return boom
	})
	// units that observe cancellation return a different error, which is dropped
	noisy := NewUnit("ingest:TokenMinted@1", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return errors.New("stream closed while shutting down")
	})

	o := New(testLogger(), WithAlerter(alerter))
	err := runWithTimeout(t, o, context.Background(), failing, noisy, blockingUnit("api", &stopped))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), stopped.Load())

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, alert.AlertTypeStreamFailed, alerter.alerts[0].Type)
	assert.Equal(t, "ingest:CollectionCreated@1", alerter.alerts[0].Stream)
	assert.Contains(t, alerter.alerts[0].Message, "subscription lost")
}

func TestRunAll_CompletionStopsOthersWithNil(t *testing.T) {
	var stopped atomic.Int32
	alerter := &recordingAlerter{}
	completing := NewUnit("ingest:TokenMinted@1", func(context.Context) error { return nil })

	o := New(testLogger(), WithAlerter(alerter))
	err := runWithTimeout(t, o, context.Background(), completing, blockingUnit("api", &stopped))

	assert.NoError(t, err)
	assert.Equal(t, int32(1), stopped.Load())
	assert.Empty(t, alerter.alerts)
}

func TestRunAll_ParentCancelIsGraceful(t *testing.T) {
	var stopped atomic.Int32
	alerter := &recordingAlerter{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	err := runWithTimeout(t, New(testLogger(), WithAlerter(alerter)), ctx, blockingUnit("a", &stopped), blockingUnit("b", &stopped))
	assert.NoError(t, err)
	assert.Equal(t, int32(2), stopped.Load())

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	assert.Empty(t, alerter.alerts)
}

func TestRunAll_SignalSendsShutdownAlert(t *testing.T) {
	var stopped atomic.Int32
	alerter := &recordingAlerter{}
	signals := make(chan os.Signal, 1)
	time.AfterFunc(10*time.Millisecond, func() { signals <- syscall.SIGTERM })

	o := New(testLogger(), WithSignals(signals), WithAlerter(alerter))
	err := runWithTimeout(t, o, context.Background(), blockingUnit("ingest:TokenMinted@1", &stopped), blockingUnit("api", &stopped))
	require.NoError(t, err)
	assert.Equal(t, int32(2), stopped.Load())

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, alert.AlertTypeShutdown, alerter.alerts[0].Type)
	assert.Empty(t, alerter.alerts[0].Stream)
	assert.Contains(t, alerter.alerts[0].Message, "stopped 2 units")
}

func TestRunAll_PanicBecomesError(t *testing.T) {
	var stopped atomic.Int32
	panicking := NewUnit("ingest:TokenMinted@1", func(context.Context) error { panic("decoder exploded") })

	err := runWithTimeout(t, New(testLogger()), context.Background(), panicking, blockingUnit("api", &stopped))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit ingest:TokenMinted@1 panic: decoder exploded")
	assert.Equal(t, int32(1), stopped.Load())
}

func TestRunAll_NoAppendAfterReturn(t *testing.T) {
	buf := buffer.New(1000)
	signals := make(chan os.Signal, 1)

	var units []Unit
	for i := 0; i < 4; i++ {
		units = append(units, NewUnit("producer", func(ctx context.Context) error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				r, err := model.NewEventRecord("id", model.RecordMeta{EventType: "TokenMinted"}, nil, time.Now())
				if err != nil {
					return err
				}
				buf.Append(r)
				time.Sleep(time.Millisecond)
			}
		}))
	}
	time.AfterFunc(30*time.Millisecond, func() { signals <- syscall.SIGTERM })

	err := runWithTimeout(t, New(testLogger(), WithSignals(signals)), context.Background(), units...)
	require.NoError(t, err)

	after := buf.Stats().Appended
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, buf.Stats().Appended)
}

func TestUnitExit_Error(t *testing.T) {
	assert.Equal(t, "unit api completed", (&UnitExit{Unit: "api"}).Error())
	cause := errors.New("bind: address in use")
	exit := &UnitExit{Unit: "api", Err: cause}
	assert.Equal(t, "unit api: bind: address in use", exit.Error())
	assert.ErrorIs(t, exit, cause)
}

func TestNew_Defaults(t *testing.T) {
	o := New(nil, WithStragglerWarning(0), WithAlerter(nil))
	assert.Equal(t, DefaultStragglerWarning, o.stragglerWarning)
	assert.IsType(t, &alert.NoopAlerter{}, o.alerter)
}
