package fanout

import (
	"context"
	"encoding/json"
	"sync"
)

// Channel is the single topic every instance publishes to and listens on.
const Channel = "chatbot_ws"

// Message is what travels over the bus. Data is an encoded envelope.
type Message struct {
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	// Ref names a stored payload when Data was too large to send inline.
	Ref string `json:"ref,omitempty"`
}

// Bus propagates messages between hub instances.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers messages to handler until ctx is done.
	Subscribe(ctx context.Context, handler func(Message)) error
	Close() error
}

// LocalBus connects hubs inside one process. Publish delivers synchronously,
// so messages from one publisher arrive in order.
type LocalBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Message)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Message))}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handler func(Message)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *LocalBus) Close() error { return nil }
