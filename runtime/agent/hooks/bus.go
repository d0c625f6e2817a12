// Package hooks carries the internal execution trace of a run. The engine and
// the stage executors publish typed trace events on a Bus; subscribers such as
// the client event translator and the run log observe them synchronously, in
// production order.
package hooks

import (
	"context"
	"errors"
	"slices"
	"sync"
)

type (
	// Bus publishes trace events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. The error is returned to
	// the publisher, which for the engine means the run fails.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber
		// in registration order, stopping at the first error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription that
		// can be closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published trace events.
	//
	// HandleEvent should return an error only if processing fails in a way
	// that must halt the run. Non-critical failures should be logged and
	// swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs an in-memory event bus.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	})
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
func NewBus() Bus {
	return &bus{}
}

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publish delivers the event to a snapshot of the subscribers taken before
// iteration begins, so registrations and closes during Publish do not affect
// the current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the end of the delivery order.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Events already being delivered
// when Close is called may still reach the subscriber.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		s.bus.subs = slices.DeleteFunc(s.bus.subs, func(x *subscription) bool { return x == s })
		s.bus.mu.Unlock()
	})
	return nil
}
