package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives a dispatched event. Handlers run synchronously on the
// publishing goroutine; a handler that panics does not prevent delivery to
// the remaining handlers.
type Handler func(Event)

// Bus is an in-process event dispatcher with namespace filtering.
// Delivery is synchronous and in registration order, so subscribers observe
// one consistent state transition at a time.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	id        int
	namespace string
	fn        Handler
}

// New creates a new event bus. The logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Publish delivers an event to all subscribers whose namespace is a prefix
// of event.Kind, in the order they subscribed.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			b.deliver(sub, evt)
		}
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				zap.String("kind", evt.Kind),
				zap.Any("panic", r))
		}
	}()
	sub.fn(evt)
}

// Subscribe registers a handler for events matching the given namespace
// prefix. Returns an unsubscribe function.
func (b *Bus) Subscribe(namespace string, fn Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, &subscription{id: id, namespace: namespace, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}
