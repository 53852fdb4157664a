package eventing

import (
	"context"
	"log"
	"time"
)

const (
	defaultDispatchBatch = 50
	defaultMaxAttempts   = 5
)

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}

// DLQStore records deliveries that were given up on.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord is a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Attempts int
	Envelope Envelope
}

// Dispatcher relays outbox records to the in-process bus.
type Dispatcher struct {
	bus         Bus
	outbox      OutboxStore
	registry    *Registry
	dlq         DLQStore
	logger      *log.Logger
	batch       int
	maxAttempts int
	nudge       chan struct{}
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatch overrides the number of records relayed per pass.
func WithBatch(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithMaxAttempts sets how many failed deliveries move a record to the DLQ.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus Bus, outbox OutboxStore, registry *Registry, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bus:         bus,
		outbox:      outbox,
		registry:    registry,
		dlq:         dlq,
		logger:      log.Default(),
		batch:       defaultDispatchBatch,
		maxAttempts: defaultMaxAttempts,
		nudge:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Nudge asks a running dispatcher to relay without waiting for the next tick.
func (d *Dispatcher) Nudge() {
	if d == nil {
		return
	}
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run relays on every tick or nudge until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if d == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.nudge:
		}
		if _, err := d.Dispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Printf("outbox dispatch error: %v", err)
		}
	}
}

// Dispatch relays one batch of pending records and returns how many were delivered.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		return 0, nil
	}
	records, err := d.outbox.ListPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, record := range records {
		env := record.Envelope
		payload, err := d.registry.Decode(env)
		if err == nil {
			err = d.bus.Publish(WithEnvelope(ctx, env), payload)
		}
		if err != nil {
			d.fail(ctx, record, err)
			continue
		}
		if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
			d.logger.Printf("outbox mark sent error: id=%s err=%v", record.ID, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) fail(ctx context.Context, record OutboxRecord, cause error) {
	d.logger.Printf("outbox delivery error: event=%s type=%s attempt=%d err=%v",
		record.Envelope.EventID, record.Envelope.EventType, record.Attempts+1, cause)
	if err := d.outbox.MarkFailed(ctx, record.ID, d.maxAttempts); err != nil {
		d.logger.Printf("outbox mark failed error: id=%s err=%v", record.ID, err)
	}
	if record.Attempts+1 < d.maxAttempts || d.dlq == nil {
		return
	}
	if err := d.dlq.RecordFailure(ctx, record.Envelope, cause); err != nil {
		d.logger.Printf("dlq record error: event=%s err=%v", record.Envelope.EventID, err)
	}
}
