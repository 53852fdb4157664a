package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"droidfleet-cloud/internal/auth"
	commandsevents "droidfleet-cloud/internal/commands/application/events"
	commands "droidfleet-cloud/internal/commands/domain"
	"droidfleet-cloud/internal/eventing"
	masterdata "droidfleet-cloud/internal/masterdata/domain"
	"droidfleet-cloud/internal/observability/metrics"

	"github.com/google/uuid"
)

const (
	defaultTTL        = time.Hour
	defaultMaxTTL     = 7 * 24 * time.Hour
	defaultClaimBatch = 10
	maxClaimBatch     = 50
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultSweepBatch = 100
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// EventPublisher publishes command lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Config bounds enqueue and claim requests.
type Config struct {
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	DefaultClaimBatch int
	MaxClaimBatch     int
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:        defaultTTL,
		MaxTTL:            defaultMaxTTL,
		DefaultClaimBatch: defaultClaimBatch,
		MaxClaimBatch:     maxClaimBatch,
	}
}

// Option configures the service.
type Option func(*Service)

// WithConfig overrides limits; zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.DefaultTTL > 0 {
			s.cfg.DefaultTTL = cfg.DefaultTTL
		}
		if cfg.MaxTTL > 0 {
			s.cfg.MaxTTL = cfg.MaxTTL
		}
		if cfg.DefaultClaimBatch > 0 {
			s.cfg.DefaultClaimBatch = cfg.DefaultClaimBatch
		}
		if cfg.MaxClaimBatch > 0 {
			s.cfg.MaxClaimBatch = cfg.MaxClaimBatch
		}
	}
}

// WithClock overrides the system clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// EnqueueRequest is an operator request to queue a command.
type EnqueueRequest struct {
	DeviceID    string          `json:"device_id"`
	CommandType string          `json:"command_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	RequiresAck bool            `json:"requires_ack"`
	ExecuteAt   *time.Time      `json:"execute_at,omitempty"`
	TTLSeconds  int64           `json:"ttl_seconds,omitempty"`
}

// AckRequest is a device's report on a claimed command.
type AckRequest struct {
	CommandID string
	// DeviceID, when set, must own the command; otherwise the command is reported as not found.
	DeviceID string
	Success  bool
	Result   json.RawMessage
	Error    string
}

// Service runs the command lifecycle.
type Service struct {
	repo      commands.Repository
	devices   masterdata.DeviceRepository
	publisher EventPublisher
	clock     Clock
	logger    *log.Logger
	cfg       Config
}

// NewService constructs a command service.
func NewService(repo commands.Repository, devices masterdata.DeviceRepository, publisher EventPublisher, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if devices == nil {
		return nil, errors.New("commands: nil device repo")
	}
	if publisher == nil {
		return nil, errors.New("commands: nil publisher")
	}
	s := &Service{
		repo:      repo,
		devices:   devices,
		publisher: publisher,
		clock:     systemClock{},
		logger:    log.Default(),
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.DefaultTTL > s.cfg.MaxTTL {
		return nil, errors.New("commands: default ttl exceeds max ttl")
	}
	if s.cfg.DefaultClaimBatch > s.cfg.MaxClaimBatch {
		s.cfg.DefaultClaimBatch = s.cfg.MaxClaimBatch
	}
	return s, nil
}

// Config returns the effective limits.
func (s *Service) Config() Config {
	return s.cfg
}

// Enqueue validates and stores a pending command, then publishes CommandEnqueued.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*commands.Command, error) {
	ttl, err := s.resolveTTL(req.TTLSeconds)
	if err != nil {
		return nil, err
	}
	draft := commands.Draft{
		ID:          uuid.NewString(),
		DeviceID:    req.DeviceID,
		CommandType: commands.CommandType(req.CommandType),
		Params:      req.Params,
		Priority:    commands.Priority(req.Priority),
		RequiresAck: req.RequiresAck,
		TTL:         ttl,
		Metadata:    commands.Metadata{QueuedBy: auth.SubjectFromContext(ctx)},
	}
	if req.ExecuteAt != nil {
		draft.ExecuteAt = *req.ExecuteAt
	}
	cmd, err := commands.New(draft, s.clock.Now())
	if err != nil {
		return nil, err
	}

	device, err := s.devices.Get(ctx, cmd.DeviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, commands.ErrDeviceNotFound
	}

	if err := s.repo.Insert(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.IncCommandEnqueued(string(cmd.CommandType))
	s.publishEnqueued(ctx, cmd)
	return cmd, nil
}

// ClaimBatch hands deviceID up to limit eligible commands, flipping each to
// in_progress. It never waits for work.
func (s *Service) ClaimBatch(ctx context.Context, deviceID string, limit int) ([]commands.Command, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id required", commands.ErrValidation)
	}
	limit = s.claimLimit(limit)
	start := time.Now()
	now := s.clock.Now()

	claimed, err := s.repo.Claim(ctx, deviceID, now, limit)
	if err != nil {
		metrics.ObserveClaim(metrics.ResultError, 0, time.Since(start))
		return nil, err
	}
	metrics.ObserveClaim(metrics.ResultSuccess, len(claimed), time.Since(start))

	if err := s.devices.TouchLastSeen(ctx, deviceID, now); err != nil {
		s.logger.Printf("device last seen error: device=%s err=%v", deviceID, err)
	}
	if claimed == nil {
		claimed = []commands.Command{}
	}
	return claimed, nil
}

// Acknowledge records a device's success or failure for an in_progress command.
func (s *Service) Acknowledge(ctx context.Context, req AckRequest) (*commands.Command, error) {
	if req.CommandID == "" {
		return nil, fmt.Errorf("%w: command id required", commands.ErrValidation)
	}
	if string(req.Result) == "null" {
		req.Result = nil
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, fmt.Errorf("%w: result must be valid json", commands.ErrValidation)
	}
	if req.DeviceID != "" {
		current, err := s.repo.GetByID(ctx, req.CommandID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.DeviceID != req.DeviceID {
			return nil, commands.ErrNotFound
		}
	}

	event := commands.EventAckSuccess
	change := commands.Change{At: s.clock.Now(), Result: req.Result}
	if !req.Success {
		event = commands.EventAckFailure
		change.Metadata.FailureReason = req.Error
	}
	cmd, err := s.repo.Transition(ctx, req.CommandID, event, change)
	if err != nil {
		return nil, err
	}
	metrics.IncCommandResult(string(cmd.Status))

	eventID := eventing.NewEventID()
	if req.Success {
		s.publish(ctx, eventID, commandsevents.CommandCompleted{
			EventID:    eventID,
			CommandID:  cmd.ID,
			DeviceID:   cmd.DeviceID,
			OccurredAt: change.At,
		})
	} else {
		s.publish(ctx, eventID, commandsevents.CommandFailed{
			EventID:    eventID,
			CommandID:  cmd.ID,
			DeviceID:   cmd.DeviceID,
			Error:      req.Error,
			OccurredAt: change.At,
		})
	}
	return cmd, nil
}

// Cancel cancels a command that has not been claimed yet. Losing the race to a
// claim yields an InvalidTransitionError from in_progress.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*commands.Command, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: command id required", commands.ErrValidation)
	}
	actor := auth.SubjectFromContext(ctx)
	now := s.clock.Now()
	cmd, err := s.repo.Transition(ctx, id, commands.EventCancel, commands.Change{
		At:       now,
		Metadata: commands.Metadata{CancelledBy: actor, CancelReason: reason},
	})
	if err != nil {
		return nil, err
	}
	metrics.IncCommandResult(string(cmd.Status))

	eventID := eventing.NewEventID()
	s.publish(ctx, eventID, commandsevents.CommandCancelled{
		EventID:     eventID,
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		CancelledBy: actor,
		Reason:      reason,
		OccurredAt:  now,
	})
	return cmd, nil
}

// Retry marks a failed command retried and returns its pending successor.
func (s *Service) Retry(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: command id required", commands.ErrValidation)
	}
	original, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, commands.ErrNotFound
	}
	if _, err := commands.Transition(original.Status, commands.EventRetry); err != nil {
		return nil, &commands.InvalidTransitionError{CommandID: id, From: original.Status, Event: commands.EventRetry}
	}

	now := s.clock.Now()
	successor, err := original.Successor(uuid.NewString(), now)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.Retry(ctx, id, successor, now)
	if err != nil {
		return nil, err
	}
	metrics.IncCommandResult(string(commands.StatusRetried))

	eventID := eventing.NewEventID()
	s.publish(ctx, eventID, commandsevents.CommandRetried{
		EventID:     eventID,
		CommandID:   id,
		SuccessorID: created.ID,
		DeviceID:    created.DeviceID,
		RetryCount:  created.Metadata.RetryCount,
		OccurredAt:  now,
	})
	s.publishEnqueued(ctx, created)
	return created, nil
}

// GetStatus returns the current state of a command.
func (s *Service) GetStatus(ctx context.Context, id string) (*commands.Command, error) {
	cmd, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, commands.ErrNotFound
	}
	return cmd, nil
}

// MarkDelivered records that the push channel accepted a wake-up for a pending
// command, moving it to queued.
func (s *Service) MarkDelivered(ctx context.Context, id, via string) (*commands.Command, error) {
	now := s.clock.Now()
	return s.repo.Transition(ctx, id, commands.EventDeliver, commands.Change{
		At:       now,
		Metadata: commands.Metadata{DeliveredVia: via, DeliveredAt: &now},
	})
}

// ExpireDue expires up to limit commands whose TTL has elapsed.
func (s *Service) ExpireDue(ctx context.Context, limit int) ([]commands.Command, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}
	now := s.clock.Now()
	expired, err := s.repo.ExpireDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	metrics.AddCommandResults(string(commands.StatusExpired), len(expired))
	for _, cmd := range expired {
		eventID := eventing.NewEventID()
		s.publish(ctx, eventID, commandsevents.CommandExpired{
			EventID:    eventID,
			CommandID:  cmd.ID,
			DeviceID:   cmd.DeviceID,
			WasClaimed: cmd.ClaimedAt != nil,
			OccurredAt: now,
		})
	}
	return expired, nil
}

// ListCommands returns commands newest first.
func (s *Service) ListCommands(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	list, err := s.repo.ListByDevice(ctx, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []commands.Command{}
	}
	return list, nil
}

func (s *Service) publishEnqueued(ctx context.Context, cmd *commands.Command) {
	eventID := eventing.NewEventID()
	s.publish(ctx, eventID, commandsevents.CommandEnqueued{
		EventID:     eventID,
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		CommandType: string(cmd.CommandType),
		Priority:    string(cmd.Priority),
		ExecuteAt:   cmd.ExecuteAt,
		OccurredAt:  cmd.CreatedAt,
	})
}

func (s *Service) publish(ctx context.Context, eventID string, event any) {
	ctx = eventing.WithEventID(ctx, eventID)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Printf("command event publish error: type=%s event=%s err=%v", eventing.EventType(event), eventID, err)
	}
}

func (s *Service) resolveTTL(seconds int64) (time.Duration, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("%w: ttl_seconds must be positive", commands.ErrValidation)
	}
	if seconds == 0 {
		return s.cfg.DefaultTTL, nil
	}
	maxSeconds := int64(s.cfg.MaxTTL / time.Second)
	if seconds > maxSeconds {
		return 0, fmt.Errorf("%w: ttl_seconds exceeds max of %d", commands.ErrValidation, maxSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (s *Service) claimLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultClaimBatch
	}
	if limit > s.cfg.MaxClaimBatch {
		return s.cfg.MaxClaimBatch
	}
	return limit
}
