// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the process-wide event bus. Publishers hand events
// to Publish; receivers hold an explicit Subscription and Close it when
// they stop listening, so teardown order is decided by the owner rather
// than by finalizers.
//
// The manager connection subscribes to export events raised in this
// process to the manager, and publishes events that arrive from the
// manager with Local set so they are never exported again.
package events

import (
	"sort"
	"sync"
)

// Event is a named notification with an opaque payload.
type Event struct {
	Name    string
	Payload []byte

	// Local events are delivered only inside this process. Events
	// received from the manager and runtime notifications such as
	// configuration updates are published as local.
	Local bool
}

// Handler receives events. Handlers run on the publishing goroutine
// and must not block.
type Handler func(Event)

// Bus fans events out to subscribers. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[uint64]Handler)}
}

// Subscribe registers handler until the returned Subscription is
// closed.
func (b *Bus) Subscribe(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers[b.nextID] = handler
	return &Subscription{bus: b, id: b.nextID}
}

// Publish delivers event to every current subscriber in subscription
// order. Handlers are called without the bus lock held, so a handler
// may subscribe or unsubscribe.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.subscribers[id]
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Subscription is one registered handler.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Close unsubscribes. After Close returns no new Publish call reaches
// the handler. Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s.id)
		s.bus.mu.Unlock()
	})
}
