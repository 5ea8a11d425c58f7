package events

import (
	"context"
	"sync"
)

// InMemoryBus is a thread-safe in-process Bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // ownerID -> handlers
	nextID   uint64
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]handlerEntry)}
}

// Publish invokes the owner's handlers outside the lock, in subscription order.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	entries := b.handlers[ev.OwnerID]
	targets := make([]Handler, 0, len(entries))
	for _, e := range entries {
		targets = append(targets, e.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ctx, ev)
	}
}

// Subscribe registers handler for ownerID.
func (b *InMemoryBus) Subscribe(ownerID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[ownerID] = append(b.handlers[ownerID], handlerEntry{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(ownerID, id) })
	}
}

func (b *InMemoryBus) remove(ownerID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[ownerID]
	filtered := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(b.handlers, ownerID)
	} else {
		b.handlers[ownerID] = filtered
	}
}

// Subscribers reports how many handlers are registered for ownerID.
func (b *InMemoryBus) Subscribers(ownerID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[ownerID])
}
