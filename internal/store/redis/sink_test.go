package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/event-feed/internal/circuitbreaker"
	"github.com/emperorhan/event-feed/internal/domain/model"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, id, eventType string, block uint64) model.EventRecord {
	t.Helper()
	r, err := model.NewEventRecord(id, model.RecordMeta{EventType: eventType, BlockNumber: block},
		map[string]any{"name": "Faraway"}, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	return r
}

func TestStreamKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "feed:TokenMinted", StreamKey("feed", "TokenMinted"))
}

func TestRecordValues(t *testing.T) {
	t.Parallel()
	r := testRecord(t, "id-1", "TokenMinted", 8450915)
	vals := recordValues(r)
	assert.Equal(t, "id-1", vals["id"])
	assert.Equal(t, "8450915", vals["block_number"])
	assert.Equal(t, r.Serialized, vals["payload"])
}

func TestNewSink_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := NewSink(context.Background(), "://not-a-url", "feed", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestInMemoryStream_PublishPerEventType(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStream("", 0)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testRecord(t, "a", "CollectionCreated", 1)))
	require.NoError(t, s.Publish(ctx, testRecord(t, "b", "TokenMinted", 2)))
	require.NoError(t, s.Publish(ctx, testRecord(t, "c", "TokenMinted", 3)))

	created := s.Entries("feed:CollectionCreated")
	require.Len(t, created, 1)
	assert.Equal(t, "a", created[0]["id"])

	minted := s.Entries("feed:TokenMinted")
	require.Len(t, minted, 2)
	assert.Equal(t, "b", minted[0]["id"])
	assert.Equal(t, "c", minted[1]["id"])
}

func TestInMemoryStream_TrimsToMaxLen(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStream("ns", 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Publish(context.Background(), testRecord(t, fmt.Sprintf("r%d", i), "TokenMinted", uint64(i))))
	}
	entries := s.Entries("ns:TokenMinted")
	require.Len(t, entries, 2)
	assert.Equal(t, "r3", entries[0]["id"])
	assert.Equal(t, "r4", entries[1]["id"])
}

func TestInMemoryStream_CancelledContext(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStream("feed", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Publish(ctx, testRecord(t, "x", "TokenMinted", 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Entries("feed:TokenMinted"))
}

func TestInMemoryStream_ConcurrentPublish(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStream("feed", 0)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Publish(context.Background(), testRecord(t, fmt.Sprintf("%d-%d", p, i), "TokenMinted", uint64(i)))
			}
		}(p)
	}
	wg.Wait()
	assert.Len(t, s.Entries("feed:TokenMinted"), 200)
}

func TestInMemoryStream_Close(t *testing.T) {
	t.Parallel()
	s := NewInMemoryStream("feed", 0)
	require.NoError(t, s.Publish(context.Background(), testRecord(t, "x", "TokenMinted", 1)))
	require.NoError(t, s.Close())
	assert.Empty(t, s.Entries("feed:TokenMinted"))
}

func TestSink_BreakerOpensOnUnreachableRedis(t *testing.T) {
	t.Parallel()
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Hour})
	sink := newSink(client, "feed", 10, WithBreaker(breaker))
	t.Cleanup(func() { sink.Close() })

	ctx := context.Background()
	r := testRecord(t, "x", "TokenMinted", 1)

	for i := 0; i < 2; i++ {
		err := sink.Publish(ctx, r)
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
		assert.Contains(t, err.Error(), "xadd feed:TokenMinted")
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
	assert.ErrorIs(t, sink.Publish(ctx, r), circuitbreaker.ErrOpen)
}
