package redis

import (
	"context"
	"sync"

	"github.com/emperorhan/event-feed/internal/domain/model"
)

// InMemoryStream is a process-local stand-in for Sink. Entries are kept per
// stream key in publish order.
type InMemoryStream struct {
	mu        sync.Mutex
	namespace string
	maxLen    int
	streams   map[string][]map[string]any
}

func NewInMemoryStream(namespace string, maxLen int) *InMemoryStream {
	if namespace == "" {
		namespace = "feed"
	}
	return &InMemoryStream{
		namespace: namespace,
		maxLen:    maxLen,
		streams:   make(map[string][]map[string]any),
	}
}

func (s *InMemoryStream) Publish(ctx context.Context, record model.EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := StreamKey(s.namespace, record.EventType)

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.streams[key], recordValues(record))
	if s.maxLen > 0 && len(entries) > s.maxLen {
		entries = entries[len(entries)-s.maxLen:]
	}
	s.streams[key] = entries
	return nil
}

// Entries returns a copy of the values published to key.
func (s *InMemoryStream) Entries(key string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.streams[key]...)
}

func (s *InMemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]map[string]any)
	return nil
}
