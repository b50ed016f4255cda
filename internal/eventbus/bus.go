package eventbus

import (
	"sync"
	"time"
)

// Record is one completed ingestion tick routed through the bus.
type Record struct {
	Ingester  string
	Timestamp time.Time
	Fields    map[string]any
}

// All subscribes to every ingester's records.
const All = "*"

// Bus is an in-process bus that routes stored records to subscribers by
// ingester name. It uses Go channels for delivery and is safe for
// concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Record
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Record),
	}
}

// Subscribe registers a channel to receive records for the given ingester
// name (or All). The caller is responsible for creating the channel with
// sufficient buffer capacity; slow subscribers will have records dropped.
func (b *Bus) Subscribe(ingester string, ch chan<- Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[ingester] = append(b.subscribers[ingester], ch)
}

// Unsubscribe removes a channel from an ingester's subscriber list.
func (b *Bus) Unsubscribe(ingester string, ch chan<- Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[ingester]
	for i, c := range subs {
		if c == ch {
			b.subscribers[ingester] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends a record to subscribers of its ingester and of All.
// If a subscriber's channel is full, the record is dropped for that
// subscriber. Publish is a no-op after Close has been called.
func (b *Bus) Publish(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, key := range []string{rec.Ingester, All} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- rec:
			default:
				// drop if subscriber is slow
			}
		}
	}
}

// Close marks the bus as closed. After Close, Publish is a no-op.
// Close does not close subscriber channels; that is the caller's
// responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
