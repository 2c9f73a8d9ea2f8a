package events

import (
	"context"
	"sync"
)

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type HandlerFunc func(context.Context, Event) error

// Bus fans an event out to the handlers subscribed to its type. The first
// handler error stops delivery and is returned, so the dispatcher retries the
// event later; handlers must therefore tolerate redelivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]HandlerFunc
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]HandlerFunc)}
}

func (b *Bus) Subscribe(t Type, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers h for every payment event type.
func (b *Bus) SubscribeAll(h HandlerFunc) {
	for _, t := range []Type{PaymentConfirmed, PaymentFailed, PaymentExpired} {
		b.Subscribe(t, h)
	}
}

func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	handlers := b.handlers[evt.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
