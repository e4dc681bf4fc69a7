package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered platform adapters, keyed by platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Platform]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Platform]Adapter)}
}

// Register adds an adapter. Registering a second adapter for the same
// platform is an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("nil adapter")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	platform := adapter.Platform()
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("adapter already registered for platform %s", platform)
	}
	r.adapters[platform] = adapter
	return nil
}

// MustRegister registers an adapter and panics on conflict. Intended for
// process wiring where a duplicate is a programming error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the platform, if registered.
func (r *Registry) Get(platform Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	return adapter, ok
}

// All returns every registered adapter, ordered by platform for stable output.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		items = append(items, adapter)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Platform() < items[j].Platform()
	})
	return items
}
