// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus.
//
// Emit is synchronous: it calls the handlers registered at the time of the
// call, in registration order, on the emitting goroutine. Emits are
// serialized so a handler never sees two events at once.
type MemoryBus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]handlerEntry
	closed   bool

	// emitMu serializes delivery. Handlers must not Emit on the same bus.
	emitMu sync.Mutex
}

type handlerEntry struct {
	id uint64
	h  Handler
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]handlerEntry),
	}
}

// Emit delivers evt to the current handlers for evt.Name.
func (b *MemoryBus) Emit(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	entries := b.handlers[evt.Name]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	b.mu.Unlock()

	for _, entry := range snapshot {
		if !b.live(evt.Name, entry.id) {
			continue
		}
		entry.h(evt)
	}
	return nil
}

// live reports whether the handler is still registered. A handler released
// by an earlier handler of the same emit is skipped.
func (b *MemoryBus) live(name string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.handlers[name] {
		if entry.id == id {
			return true
		}
	}
	return false
}

// Listen registers h for events named name.
func (b *MemoryBus) Listen(name string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], handlerEntry{id: id, h: h})

	return newSubscription(name, func() { b.remove(name, id) }), nil
}

func (b *MemoryBus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[name]
	for i, entry := range entries {
		if entry.id == id {
			b.handlers[name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}

// ListenerCount returns the number of live handlers for name.
func (b *MemoryBus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[name])
}

// TotalListeners returns the number of live handlers across all names.
func (b *MemoryBus) TotalListeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, entries := range b.handlers {
		total += len(entries)
	}
	return total
}

// Close drops every handler. Subscriptions released afterwards are no-ops.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]handlerEntry)
	return nil
}
