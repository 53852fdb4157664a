package eventing

import (
	"context"
)

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Publisher records events in the outbox and wakes the dispatcher. Without an
// outbox it hands events straight to the bus.
type Publisher struct {
	outbox     OutboxWriter
	dispatcher *Dispatcher
	bus        Bus
}

// NewPublisher constructs a publisher. outbox and dispatcher may be nil.
func NewPublisher(outbox OutboxWriter, dispatcher *Dispatcher, bus Bus) *Publisher {
	return &Publisher{outbox: outbox, dispatcher: dispatcher, bus: bus}
}

// Publish writes the event to the outbox, or delivers it directly when no outbox is set.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil {
		return nil
	}
	env, err := BuildEnvelope(event, metaFromContext(ctx))
	if err != nil {
		return err
	}
	if p.outbox == nil {
		if p.bus == nil {
			return nil
		}
		return p.bus.Publish(WithEnvelope(ctx, env), event)
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return err
	}
	p.dispatcher.Nudge()
	return nil
}
