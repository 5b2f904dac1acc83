// Package event provides a pub/sub bus for server-pushed LSP traffic using
// watermill. Diagnostics, log messages, and lifecycle changes arrive
// asynchronously from the language server; the bus lets consumers observe
// them without coupling to the protocol client.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies a category of event.
type Type string

// Event types published by the protocol client.
const (
	ServerDiagnostics Type = "server.diagnostics"
	ServerLog         Type = "server.log"
	ServerExited      Type = "server.exited"
	DocumentOpened    Type = "document.opened"
	DocumentClosed    Type = "document.closed"
)

// Event pairs a type with its payload.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives published events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus dispatches events to subscribers. It keeps watermill's gochannel for
// infrastructure while delivering through direct calls so payload types
// survive.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// globalBus is the default bus instance.
var globalBus = NewBus()

// NewBus creates an event bus.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
		cancel:      cancel,
	}
}

// Subscribe registers a subscriber for one event type on the default bus.
// The returned function unsubscribes.
func Subscribe(t Type, fn Subscriber) func() {
	return globalBus.Subscribe(t, fn)
}

// SubscribeAll registers a subscriber for every event on the default bus.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

// Publish emits an event on the default bus.
func Publish(t Type, data any) {
	globalBus.Publish(t, data)
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

// Publish delivers the event synchronously to every matching subscriber.
func (b *Bus) Publish(t Type, data any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	entries := make([]subscriberEntry, 0, len(b.subscribers[t])+len(b.global))
	entries = append(entries, b.subscribers[t]...)
	entries = append(entries, b.global...)
	b.mu.RUnlock()

	evt := Event{Type: t, Data: data}
	for _, e := range entries {
		e.fn(evt)
	}
}

// Close shuts the bus down; further publishes and subscribes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.cancel()
	return b.pubsub.Close()
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subscribers[t]
	for i, e := range entries {
		if e.id == id {
			b.subscribers[t] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.global {
		if e.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}
