package eventing

import (
	"context"
)

// ProcessedStore remembers (event, consumer) pairs that completed.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe registers handler under consumerName, deduplicated through store
// when one is given.
func Subscribe(bus Bus, eventType, consumerName string, handler Handler, store ProcessedStore) {
	if store != nil {
		handler = WrapHandler(consumerName, handler, store)
	}
	bus.Subscribe(eventType, handler)
}

// WrapHandler skips events consumerName already completed. Events without an
// envelope id always run. A failed run is not recorded, so relays retry it.
func WrapHandler(consumerName string, handler Handler, store ProcessedStore) Handler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		done, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil || done {
			return err
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}
