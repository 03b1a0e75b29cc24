// Package main implements a load test harness for the event buffer. It runs
// concurrent appenders, one per synthetic stream, against concurrent
// snapshot readers and checks bounds and per-stream order on every snapshot.
//
// Usage:
//
//	go run ./test/loadtest \
//	  -capacity 100000 \
//	  -streams 4 \
//	  -readers 2 \
//	  -duration 30s \
//	  -verify
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/emperorhan/event-feed/internal/buffer"
	"github.com/emperorhan/event-feed/internal/domain/model"
)

func main() {
	var (
		capacity = flag.Int("capacity", buffer.DefaultCapacity, "Event buffer capacity")
		streams  = flag.Int("streams", 4, "Number of concurrent appenders, one per stream")
		readers  = flag.Int("readers", 2, "Number of concurrent snapshot readers")
		duration = flag.Duration("duration", 30*time.Second, "Test duration")
		verify   = flag.Bool("verify", false, "Check bounds and per-stream order on every snapshot")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *capacity <= 0 || *streams <= 0 || *readers < 0 {
		logger.Error("invalid flags", "capacity", *capacity, "streams", *streams, "readers", *readers)
		os.Exit(2)
	}

	logger.Info("load test configuration",
		"capacity", *capacity,
		"streams", *streams,
		"readers", *readers,
		"duration", *duration,
		"verify", *verify,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	buf := buffer.New(*capacity)

	var (
		totalSnapshots atomic.Int64
		totalErrors    atomic.Int64
		latenciesMu    sync.Mutex
		latenciesNs    []int64
	)
	recordLatency := func(d time.Duration) {
		latenciesMu.Lock()
		latenciesNs = append(latenciesNs, d.Nanoseconds())
		latenciesMu.Unlock()
	}

	appender := func(stream int) {
		receivedAt := time.Now()
		for seq := 0; ctx.Err() == nil; seq++ {
			meta := model.RecordMeta{EventType: "LoadTest", BlockNumber: uint64(seq)}
			record, err := model.NewEventRecord(fmt.Sprintf("%d-%d", stream, seq), meta, nil, receivedAt)
			if err != nil {
				totalErrors.Add(1)
				return
			}
			buf.Append(record)
		}
	}

	reader := func(id int) {
		for ctx.Err() == nil {
			start := time.Now()
			snap := buf.Snapshot()
			recordLatency(time.Since(start))
			totalSnapshots.Add(1)

			if !*verify {
				continue
			}
			if len(snap) > *capacity {
				logger.Error("snapshot exceeds capacity", "reader", id, "len", len(snap))
				totalErrors.Add(1)
				continue
			}
			if msg := checkStreamOrder(snap); msg != "" {
				logger.Error("snapshot order violation", "reader", id, "detail", msg)
				totalErrors.Add(1)
			}
		}
	}

	logger.Info("starting load test")
	testStart := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *streams; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			appender(id)
		}(i)
	}
	for i := 0; i < *readers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			reader(id)
		}(i)
	}
	wg.Wait()

	testDuration := time.Since(testStart)
	stats := buf.Stats()
	snapshots := totalSnapshots.Load()
	errors := totalErrors.Load()

	latenciesMu.Lock()
	allLatencies := append([]int64(nil), latenciesNs...)
	latenciesMu.Unlock()
	sort.Slice(allLatencies, func(i, j int) bool { return allLatencies[i] < allLatencies[j] })

	if stats.Appended > uint64(stats.Capacity) && stats.Evicted != stats.Appended-uint64(stats.Capacity) {
		logger.Error("eviction count mismatch", "appended", stats.Appended, "evicted", stats.Evicted)
		errors++
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       LOAD TEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:       %s\n", testDuration.Round(time.Millisecond))
	fmt.Printf("Streams:        %d\n", *streams)
	fmt.Printf("Readers:        %d\n", *readers)
	fmt.Printf("Capacity:       %d\n", stats.Capacity)
	fmt.Println("----------------------------------------")
	fmt.Println("Throughput:")
	fmt.Printf("  Appended:     %d\n", stats.Appended)
	fmt.Printf("  Evicted:      %d\n", stats.Evicted)
	fmt.Printf("  Appends/sec:  %.2f\n", float64(stats.Appended)/testDuration.Seconds())
	fmt.Printf("  Snapshots:    %d\n", snapshots)
	fmt.Println("----------------------------------------")
	fmt.Println("Latency (per snapshot):")
	fmt.Printf("  p50:          %s\n", formatNanos(percentile(allLatencies, 50)))
	fmt.Printf("  p95:          %s\n", formatNanos(percentile(allLatencies, 95)))
	fmt.Printf("  p99:          %s\n", formatNanos(percentile(allLatencies, 99)))
	fmt.Println("----------------------------------------")
	fmt.Printf("Errors:         %d\n", errors)
	fmt.Println("========================================")

	if errors > 0 {
		os.Exit(1)
	}
}

// checkStreamOrder reports the first record whose "<stream>-<seq>" id does
// not follow its stream's previous record.
func checkStreamOrder(snap []model.EventRecord) string {
	last := make(map[string]int)
	for _, r := range snap {
		stream, rawSeq, ok := strings.Cut(r.ID, "-")
		if !ok {
			return fmt.Sprintf("unexpected id %q", r.ID)
		}
		seq, err := strconv.Atoi(rawSeq)
		if err != nil {
			return fmt.Sprintf("unexpected id %q", r.ID)
		}
		if prev, seen := last[stream]; seen && seq <= prev {
			return fmt.Sprintf("stream %s: seq %d after %d", stream, seq, prev)
		}
		last[stream] = seq
	}
	return ""
}

// percentile returns the value at the given percentile from a sorted slice.
func percentile(sorted []int64, pct float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func formatNanos(ns int64) string {
	d := time.Duration(ns)
	if d < time.Millisecond {
		return fmt.Sprintf("%.1fus", float64(d.Nanoseconds())/1e3)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
	}
	return d.Round(time.Millisecond).String()
}
