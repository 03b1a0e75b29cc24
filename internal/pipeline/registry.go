package pipeline

import (
	"fmt"
	"sync"

	"github.com/emperorhan/event-feed/internal/domain/model"
)

// Registry maps subscription filters to the units that ingest them. It is
// built once at startup and iterated in registration order.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
	order []string
}

func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds unit under filter.Key(). A second unit for the same filter
// is rejected.
func (r *Registry) Register(filter model.SubscriptionFilter, unit Unit) error {
	key := filter.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[key]; exists {
		return fmt.Errorf("stream %s already registered", key)
	}
	r.units[key] = unit
	r.order = append(r.order, key)
	return nil
}

// Get returns the unit for filter, or nil if not registered.
func (r *Registry) Get(filter model.SubscriptionFilter) Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[filter.Key()]
}

// Units returns registered units in registration order.
func (r *Registry) Units() []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Unit, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.units[key])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
