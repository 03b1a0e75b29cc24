package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/event-feed/internal/metrics"
)

// HealthStatus represents the state of one stream ingestor.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusStreaming HealthStatus = "STREAMING"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusStopped   HealthStatus = "STOPPED"
	HealthStatusFailed    HealthStatus = "FAILED"

	// DefaultDegradedThreshold is the number of consecutive decode errors
	// before a stream is considered degraded.
	DefaultDegradedThreshold = 5
)

// StreamHealth tracks the health of a single stream ingestor.
type StreamHealth struct {
	mu                 sync.RWMutex
	stream             string
	status             HealthStatus
	records            uint64
	decodeErrors       uint64
	consecutiveDecodes int
	degradedThreshold  int
	lastBlock          uint64
	lastEventAt        *time.Time
	stoppedAt          *time.Time
	lastError          string
}

func NewStreamHealth(stream string) *StreamHealth {
	h := &StreamHealth{
		stream:            stream,
		status:            HealthStatusUnknown,
		degradedThreshold: DefaultDegradedThreshold,
	}
	h.publish()
	return h
}

// MarkStreaming records that the subscription is open.
func (h *StreamHealth) MarkStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = HealthStatusStreaming
	h.consecutiveDecodes = 0
	h.publish()
}

// RecordEvent records one appended record.
func (h *StreamHealth) RecordEvent(blockNumber uint64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records++
	h.lastBlock = blockNumber
	h.lastEventAt = &at
	h.consecutiveDecodes = 0
	if h.status == HealthStatusDegraded || h.status == HealthStatusUnknown {
		h.status = HealthStatusStreaming
		h.publish()
	}
}

// RecordDecodeError records a notification that could not be decoded.
func (h *StreamHealth) RecordDecodeError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decodeErrors++
	h.consecutiveDecodes++
	if h.consecutiveDecodes >= h.degradedThreshold && h.status == HealthStatusStreaming {
		h.status = HealthStatusDegraded
		h.publish()
	}
}

// MarkStopped records the ingestor's exit. Cancellation and normal
// completion are STOPPED; anything else is FAILED.
func (h *StreamHealth) MarkStopped(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.stoppedAt = &now
	if err == nil || errors.Is(err, context.Canceled) {
		h.status = HealthStatusStopped
	} else {
		h.status = HealthStatusFailed
		h.lastError = err.Error()
	}
	h.publish()
}

// publish must be called with mu held.
func (h *StreamHealth) publish() {
	var v float64
	switch h.status {
	case HealthStatusStreaming:
		v = 1
	case HealthStatusDegraded:
		v = 0.5
	}
	metrics.StreamHealthStatus.WithLabelValues(h.stream).Set(v)
}

// Snapshot returns the current health state.
func (h *StreamHealth) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Stream:       h.stream,
		Status:       string(h.status),
		Records:      h.records,
		DecodeErrors: h.decodeErrors,
		LastBlock:    h.lastBlock,
		LastEventAt:  h.lastEventAt,
		StoppedAt:    h.stoppedAt,
		LastError:    h.lastError,
	}
}

// HealthSnapshot is a point-in-time view of stream health (JSON-safe).
type HealthSnapshot struct {
	Stream       string     `json:"stream"`
	Status       string     `json:"status"`
	Records      uint64     `json:"records"`
	DecodeErrors uint64     `json:"decode_errors"`
	LastBlock    uint64     `json:"last_block"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// HealthBoard collects the health trackers of all streams.
type HealthBoard struct {
	mu      sync.RWMutex
	streams map[string]*StreamHealth
}

func NewHealthBoard() *HealthBoard {
	return &HealthBoard{streams: make(map[string]*StreamHealth)}
}

// Track returns the tracker for stream, creating it on first use.
func (b *HealthBoard) Track(stream string) *StreamHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.streams[stream]; ok {
		return h
	}
	h := NewStreamHealth(stream)
	b.streams[stream] = h
	return h
}

// Snapshots returns all stream snapshots sorted by stream name.
func (b *HealthBoard) Snapshots() []HealthSnapshot {
	b.mu.RLock()
	out := make([]HealthSnapshot, 0, len(b.streams))
	for _, h := range b.streams {
		out = append(out, h.Snapshot())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// HealthSnapshots satisfies the api health provider.
func (b *HealthBoard) HealthSnapshots() any {
	return b.Snapshots()
}
