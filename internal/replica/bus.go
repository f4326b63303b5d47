package replica

import "sync"

// Bus fans an envelope out to every other same-device session subscribed to
// the shared channel. Delivery is synchronous and unordered across
// subscribers; there is no persistence. A nil *Bus is a valid no-op
// transport so callers never have to branch on availability.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]busSubscriber
}

// busSubscriber pairs a handler with the subscriber's own sender id.
type busSubscriber struct {
	senderID string
	handler  func(Envelope)
}

// NewBus constructs a new value for this package.
func NewBus() *Bus {
	return &Bus{subs: map[int]busSubscriber{}}
}

// Publish delivers the envelope to every subscriber except the one whose
// sender id matches the envelope's. That filter is a courtesy; the dedup
// cache remains the primary defense against re-application.
func (b *Bus) Publish(envelope Envelope) {
	if b == nil {
		return
	}
	b.mu.Lock()
	handlers := make([]func(Envelope), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.senderID != "" && sub.senderID == envelope.SenderID {
			continue
		}
		handlers = append(handlers, sub.handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(envelope)
	}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(senderID string, handler func(Envelope)) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = busSubscriber{senderID: senderID, handler: handler}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
