// Package buffer holds the bounded in-memory store shared by all stream
// ingestors and the read API.
package buffer

import (
	"fmt"
	"sync"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/emperorhan/event-feed/internal/metrics"
)

// DefaultCapacity is the record bound used when none is configured.
const DefaultCapacity = 100_000

// EventBuffer is a fixed-capacity FIFO of event records. Append and
// Snapshot share one mutex, so a snapshot never sees an append without its
// matching eviction. Appends are never rejected: at capacity the oldest
// record is overwritten.
type EventBuffer struct {
	mu       sync.Mutex
	capacity int
	slots    []model.EventRecord
	head     int // index of the oldest record once slots is full

	appended uint64
	evicted  uint64
}

// Stats are lifetime counters of one buffer.
type Stats struct {
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Appended uint64 `json:"appended"`
	Evicted  uint64 `json:"evicted"`
}

// New creates an empty buffer. capacity must be positive.
func New(capacity int) *EventBuffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("buffer: capacity must be positive, got %d", capacity))
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &EventBuffer{
		capacity: capacity,
		slots:    make([]model.EventRecord, 0, initial),
	}
}

// Append adds record at the tail, evicting the head when full.
func (b *EventBuffer) Append(record model.EventRecord) {
	b.mu.Lock()
	evicted := false
	if len(b.slots) < b.capacity {
		b.slots = append(b.slots, record)
	} else {
		b.slots[b.head] = record
		b.head = (b.head + 1) % b.capacity
		b.evicted++
		evicted = true
	}
	b.appended++
	// The gauge is set under the lock so concurrent appends cannot leave it
	// behind the retained size.
	metrics.BufferRecords.Set(float64(len(b.slots)))
	b.mu.Unlock()

	metrics.BufferAppendsTotal.Inc()
	if evicted {
		metrics.BufferEvictionsTotal.Inc()
	}
}

// Snapshot returns a copy of the retained records, oldest first. The result
// is owned by the caller.
func (b *EventBuffer) Snapshot() []model.EventRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.EventRecord, 0, len(b.slots))
	out = append(out, b.slots[b.head:]...)
	out = append(out, b.slots[:b.head]...)
	return out
}

// Len returns the number of retained records.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Cap returns the configured capacity.
func (b *EventBuffer) Cap() int { return b.capacity }

func (b *EventBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Len:      len(b.slots),
		Capacity: b.capacity,
		Appended: b.appended,
		Evicted:  b.evicted,
	}
}
