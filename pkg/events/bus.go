// Package events provides the in-process publish/subscribe channel for
// execution lifecycle events.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine, in subscription order.
type Handler func(domain.ExecutionEvent)

// ErrorHandler receives faults raised by the paired Handler. A subscriber's
// fault never affects sibling subscribers or the publisher.
type ErrorHandler func(domain.ExecutionEvent, error)

// Subscription identifies one registered subscriber.
type Subscription struct {
	id uint64
}

type subscriber struct {
	id      uint64
	handle  Handler
	onError ErrorHandler
}

// Bus delivers events to every registered subscriber synchronously and in
// emission order. Subscribe and Unsubscribe may race Publish: a subscriber
// added mid-publish is not guaranteed to see the event being delivered but
// sees all subsequent ones; removal takes effect no later than the next
// publish.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler with an optional error handler.
func (b *Bus) Subscribe(h Handler, onError ErrorHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, handle: h, onError: onError})
	return Subscription{id: b.nextID}
}

// Unsubscribe removes a subscriber. Unknown subscriptions are a no-op.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber registered at the start of
// the call. Subscriber panics are isolated: they are reported to that
// subscriber's own error handler (or logged) and delivery continues.
func (b *Bus) Publish(event domain.ExecutionEvent) {
	b.mu.RLock()
	snapshot := make([]subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscriber, event domain.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("subscriber panic: %v", r)
			if sub.onError != nil {
				// The error handler gets the same isolation as the handler.
				func() {
					defer func() { _ = recover() }()
					sub.onError(event, err)
				}()
				return
			}
			b.logger.Error("event subscriber fault",
				"event", string(event.Type),
				"execution_id", event.ExecutionID,
				"error", err)
		}
	}()
	sub.handle(event)
}
