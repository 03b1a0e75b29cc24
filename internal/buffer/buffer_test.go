package buffer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/event-feed/internal/domain/model"
	"github.com/emperorhan/event-feed/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(t testing.TB, id string) model.EventRecord {
	t.Helper()
	r, err := model.NewEventRecord(id, model.RecordMeta{EventType: "TokenMinted"}, nil, time.Unix(0, 0))
	require.NoError(t, err)
	return r
}

func ids(records []model.EventRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(-1) })
}

func TestSnapshot_Empty(t *testing.T) {
	b := New(3)
	snap := b.Snapshot()
	require.NotNil(t, snap)
	assert.Empty(t, snap)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	b := New(3)
	for _, id := range []string{"R1", "R2", "R3", "R4"} {
		b.Append(rec(t, id))
	}

	assert.Equal(t, []string{"R2", "R3", "R4"}, ids(b.Snapshot()))
	assert.Equal(t, Stats{Len: 3, Capacity: 3, Appended: 4, Evicted: 1}, b.Stats())
}

func TestAppend_RetainsLastCapacityRecordsInOrder(t *testing.T) {
	for _, n := range []int{1, 5, 6, 7, 23, 100} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			const capacity = 5
			b := New(capacity)
			all := make([]string, 0, n)
			for i := 0; i < n; i++ {
				id := fmt.Sprintf("r%03d", i)
				all = append(all, id)
				b.Append(rec(t, id))
			}

			want := all
			if n > capacity {
				want = all[n-capacity:]
			}
			got := ids(b.Snapshot())
			assert.Equal(t, want, got)
			assert.LessOrEqual(t, len(got), capacity)
		})
	}
}

func TestAppend_InterleavedStreamsKeepRelativeOrder(t *testing.T) {
	b := New(4)
	for _, id := range []string{"A1", "B1", "A2", "B2"} {
		b.Append(rec(t, id))
	}

	got := ids(b.Snapshot())
	require.Len(t, got, 4)
	assert.ElementsMatch(t, []string{"A1", "B1", "A2", "B2"}, got)
	assert.Less(t, indexOf(got, "A1"), indexOf(got, "A2"))
	assert.Less(t, indexOf(got, "B1"), indexOf(got, "B2"))
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	b := New(2)
	b.Append(rec(t, "R1"))
	b.Append(rec(t, "R2"))

	snap := b.Snapshot()
	snap[0] = rec(t, "mutated")
	b.Append(rec(t, "R3"))

	assert.Equal(t, "mutated", snap[0].ID)
	assert.Equal(t, "R2", snap[1].ID)
	assert.Equal(t, []string{"R2", "R3"}, ids(b.Snapshot()))
}

func TestSnapshot_Idempotent(t *testing.T) {
	b := New(3)
	for _, id := range []string{"R1", "R2", "R3", "R4", "R5"} {
		b.Append(rec(t, id))
	}
	assert.Equal(t, b.Snapshot(), b.Snapshot())
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	const (
		capacity  = 64
		producers = 4
		perStream = 500
	)
	b := New(capacity)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 16)

	// Readers check bounds and per-stream order on every snapshot.
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := b.Snapshot()
				if len(snap) > capacity {
					violations <- fmt.Sprintf("snapshot length %d exceeds capacity", len(snap))
					return
				}
				if msg := checkStreamOrder(snap); msg != "" {
					violations <- msg
					return
				}
			}
		}()
	}

	var producersWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		producersWG.Add(1)
		go func(p int) {
			defer producersWG.Done()
			for i := 0; i < perStream; i++ {
				b.Append(rec(t, fmt.Sprintf("%d-%05d", p, i)))
			}
		}(p)
	}
	producersWG.Wait()
	close(stop)
	wg.Wait()
	close(violations)

	for v := range violations {
		t.Error(v)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(producers*perStream), stats.Appended)
	assert.Equal(t, uint64(producers*perStream-capacity), stats.Evicted)
	assert.Equal(t, capacity, stats.Len)

	final := ids(b.Snapshot())
	seen := make(map[string]struct{}, len(final))
	for _, id := range final {
		_, dup := seen[id]
		assert.Falsef(t, dup, "record %s duplicated", id)
		seen[id] = struct{}{}
	}
}

// checkStreamOrder verifies that ids of the form "<stream>-<seq>" appear in
// increasing seq order per stream.
func checkStreamOrder(snap []model.EventRecord) string {
	last := map[string]string{}
	for _, r := range snap {
		stream, seq, ok := strings.Cut(r.ID, "-")
		if !ok {
			return fmt.Sprintf("unexpected id %q", r.ID)
		}
		if prev, ok := last[stream]; ok && prev >= seq {
			return fmt.Sprintf("stream %s out of order: %s after %s", stream, seq, prev)
		}
		last[stream] = seq
	}
	return ""
}

func indexOf(values []string, v string) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

func TestAppend_RecordsGaugeTracksLen(t *testing.T) {
	var wg sync.WaitGroup
	for round := 0; round < 20; round++ {
		b := New(8)
		for w := 0; w < 4; w++ {
			batch := []model.EventRecord{
				rec(t, fmt.Sprintf("w%d-0", w)),
				rec(t, fmt.Sprintf("w%d-1", w)),
				rec(t, fmt.Sprintf("w%d-2", w)),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, r := range batch {
					b.Append(r)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 8, b.Len())
		assert.Equal(t, float64(b.Len()), testutil.ToFloat64(metrics.BufferRecords), "round %d", round)
	}
}
