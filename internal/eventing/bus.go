package eventing

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// Handler consumes one delivered event.
type Handler func(ctx context.Context, event any) error

// Bus routes events to the handlers subscribed to their type name.
type Bus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler Handler)
}

var (
	// ErrNilEvent is returned when a nil event is published.
	ErrNilEvent = errors.New("eventing: nil event")
	// ErrInvalidEventType is returned when a handler receives an unexpected type.
	ErrInvalidEventType = errors.New("eventing: invalid event type")
)

// InMemoryBus delivers synchronously to every subscriber in registration order.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

// NewInMemoryBus constructs a bus with no subscribers.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subscribers: make(map[string][]Handler)}
}

// Publish runs all subscribers even when one fails; the joined error wraps each failure.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	b.mu.RLock()
	subscribers := b.subscribers[EventType(event)]
	b.mu.RUnlock()

	var errs []error
	for _, handle := range subscribers {
		if err := handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe adds handler for eventType. Empty types and nil handlers are ignored.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// copy on write; Publish ranges over a snapshot
	next := make([]Handler, len(b.subscribers[eventType]), len(b.subscribers[eventType])+1)
	copy(next, b.subscribers[eventType])
	b.subscribers[eventType] = append(next, handler)
}

// EventType names the routing key of event, dereferencing pointers.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	return typeName(reflect.TypeOf(event))
}

// EventTypeOf names the routing key of T.
func EventTypeOf[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}
