// Package bus provides Broadcaster implementations. The in-process bus
// here connects engine instances living in one process (and is the test
// double); the redis subpackage carries events across processes.
package bus

import (
	"context"
	"sync"

	"go.pilab.hu/sessiongate/domain"
)

// MemoryBus is an in-process Broadcaster. Handlers are invoked
// synchronously on the publishing goroutine; engines therefore publish
// outside their own locks.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(*domain.LifecycleEvent)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[int]func(*domain.LifecycleEvent)),
	}
}

// Publish delivers the event to every handler subscribed to the event's
// resource, including the publisher's own.
func (b *MemoryBus) Publish(_ context.Context, event *domain.LifecycleEvent) error {
	b.mu.RLock()
	handlers := make([]func(*domain.LifecycleEvent), 0, len(b.subs[event.ResourceID]))
	for _, h := range b.subs[event.ResourceID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers handler on the channel scoped to resourceID.
func (b *MemoryBus) Subscribe(_ context.Context, resourceID string, handler func(*domain.LifecycleEvent)) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[resourceID] == nil {
		b.subs[resourceID] = make(map[int]func(*domain.LifecycleEvent))
	}
	id := b.nextID
	b.nextID++
	b.subs[resourceID][id] = handler

	return &memorySubscription{bus: b, resourceID: resourceID, id: id}, nil
}

type memorySubscription struct {
	bus        *MemoryBus
	resourceID string
	id         int

	once sync.Once
}

// Close removes the handler. Safe to call more than once.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.resourceID], s.id)
	})
	return nil
}

var _ domain.Broadcaster = (*MemoryBus)(nil)
