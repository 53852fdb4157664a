package interfaces

import (
	"context"
	"errors"
	"log"
	"time"

	commandsevents "droidfleet-cloud/internal/commands/application/events"
	commands "droidfleet-cloud/internal/commands/domain"
	"droidfleet-cloud/internal/eventing"
	"droidfleet-cloud/internal/observability/metrics"
	"droidfleet-cloud/internal/push"
)

// ConsumerName identifies the wake consumer in processed_events.
const ConsumerName = "commands.wake"

// DeliveryRecorder records that a wake hint reached the push channel.
type DeliveryRecorder interface {
	MarkDelivered(ctx context.Context, id, via string) (*commands.Command, error)
}

// WakeConsumer sends a push wake for every enqueued command.
type WakeConsumer struct {
	waker    push.Waker
	recorder DeliveryRecorder
	logger   *log.Logger
	now      func() time.Time
}

// NewWakeConsumer constructs a consumer.
func NewWakeConsumer(waker push.Waker, recorder DeliveryRecorder, logger *log.Logger) (*WakeConsumer, error) {
	if waker == nil {
		return nil, errors.New("wake consumer: nil waker")
	}
	if recorder == nil {
		return nil, errors.New("wake consumer: nil recorder")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &WakeConsumer{waker: waker, recorder: recorder, logger: logger, now: time.Now}, nil
}

// Register subscribes the consumer on bus, idempotently when store is set.
func (c *WakeConsumer) Register(bus eventing.Bus, store eventing.ProcessedStore) {
	eventing.Subscribe(bus, eventing.EventTypeOf[commandsevents.CommandEnqueued](), ConsumerName, c.Handle, store)
}

// Handle adapts bus deliveries to Consume.
func (c *WakeConsumer) Handle(ctx context.Context, event any) error {
	switch e := event.(type) {
	case commandsevents.CommandEnqueued:
		return c.Consume(ctx, e)
	case *commandsevents.CommandEnqueued:
		if e == nil {
			return eventing.ErrNilEvent
		}
		return c.Consume(ctx, *e)
	default:
		return eventing.ErrInvalidEventType
	}
}

// Consume wakes the target device. Wake errors are returned so the outbox
// relay can retry; a command that already left pending is not an error.
func (c *WakeConsumer) Consume(ctx context.Context, event commandsevents.CommandEnqueued) error {
	now := c.now()
	if env, ok := eventing.EnvelopeFromContext(ctx); ok && !env.OccurredAt.IsZero() {
		metrics.ObserveConsumerLag(ConsumerName, now.Sub(env.OccurredAt))
	}
	if event.ExecuteAt.After(now) {
		metrics.IncWake(metrics.WakeSkipped)
		return nil
	}
	err := c.waker.Wake(ctx, push.WakeMessage{
		DeviceID:    event.DeviceID,
		CommandID:   event.CommandID,
		CommandType: event.CommandType,
		Priority:    event.Priority,
	})
	if err != nil {
		metrics.IncWake(metrics.WakeFailed)
		c.logger.Printf("command wake error: command=%s device=%s channel=%s err=%v",
			event.CommandID, event.DeviceID, c.waker.Channel(), err)
		return err
	}
	metrics.IncWake(metrics.WakeDelivered)

	if _, err := c.recorder.MarkDelivered(ctx, event.CommandID, c.waker.Channel()); err != nil {
		if errors.Is(err, commands.ErrInvalidTransition) || errors.Is(err, commands.ErrNotFound) {
			return nil
		}
		c.logger.Printf("command deliver error: command=%s err=%v", event.CommandID, err)
		return err
	}
	return nil
}
