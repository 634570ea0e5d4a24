// Package notify provides Notifier implementations for engine event
// broadcast: an in-process fan-out broadcaster and a Redis pub/sub
// publisher.
package notify

import (
	"context"
	"sync"

	"github.com/taskforge/taskforge/core"
)

// Subscriber receives messages published to a topic. Handlers run on the
// publisher's goroutine, so per-topic ordering follows publish order.
type Subscriber func(topic string, message map[string]interface{})

// Broadcaster is an in-process Notifier fanning out to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string][]Subscriber // topic -> handlers, "" matches all
	logger core.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger core.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string][]Subscriber),
		logger: core.EnsureLogger(logger),
	}
}

// Subscribe registers a handler for a topic. An empty topic subscribes to
// every message.
func (b *Broadcaster) Subscribe(topic string, fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], fn)
}

// Publish delivers the message to topic subscribers and wildcard
// subscribers, in registration order. A panicking handler is logged and
// skipped; delivery continues.
func (b *Broadcaster) Publish(ctx context.Context, topic string, message map[string]interface{}) error {
	b.mu.RLock()
	handlers := make([]Subscriber, 0, len(b.subs[topic])+len(b.subs[""]))
	handlers = append(handlers, b.subs[topic]...)
	if topic != "" {
		handlers = append(handlers, b.subs[""]...)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(ctx, topic, message, fn)
	}
	return nil
}

func (b *Broadcaster) deliver(ctx context.Context, topic string, message map[string]interface{}, fn Subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorWithContext(ctx, "Subscriber panicked", map[string]interface{}{
				"topic": topic,
				"panic": r,
			})
		}
	}()
	fn(topic, message)
}
