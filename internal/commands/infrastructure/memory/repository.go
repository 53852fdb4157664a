package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "droidfleet-cloud/internal/commands/domain"
)

// CommandRepository is an in-memory command store. A single mutex plays the role
// of the row locks and guarded updates of the Postgres store.
type CommandRepository struct {
	mu   sync.Mutex
	data map[string]*commands.Command
	seq  int64
}

// NewCommandRepository constructs a repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{data: make(map[string]*commands.Command)}
}

// Insert stores a new command.
func (r *CommandRepository) Insert(ctx context.Context, cmd *commands.Command) error {
	_ = ctx
	if cmd == nil {
		return commands.ErrValidation
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(cmd)
}

func (r *CommandRepository) insertLocked(cmd *commands.Command) error {
	if _, ok := r.data[cmd.ID]; ok {
		return commands.ErrDuplicateID
	}
	r.seq++
	cmd.Seq = r.seq
	r.data[cmd.ID] = clone(cmd)
	return nil
}

// GetByID returns nil when the command does not exist.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return clone(cmd), nil
}

// ListEligible returns claimable commands for a device in claim order.
func (r *CommandRepository) ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligibleLocked(deviceID, now, limit), nil
}

func (r *CommandRepository) eligibleLocked(deviceID string, now time.Time, limit int) []commands.Command {
	var result []commands.Command
	for _, cmd := range r.data {
		if cmd.DeviceID == deviceID && cmd.Eligible(now) {
			result = append(result, *clone(cmd))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClaimsBefore(result[j])
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Claim flips eligible commands to in_progress and returns them in claim order.
func (r *CommandRepository) Claim(ctx context.Context, deviceID string, now time.Time, limit int) ([]commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	candidates := r.eligibleLocked(deviceID, now, limit)
	claimed := make([]commands.Command, 0, len(candidates))
	for _, candidate := range candidates {
		stored := r.data[candidate.ID]
		if err := commands.Apply(stored, commands.EventClaim, commands.Change{At: now}); err != nil {
			continue
		}
		claimed = append(claimed, *clone(stored))
	}
	return claimed, nil
}

// Transition applies event to a command if its current status allows it.
func (r *CommandRepository) Transition(ctx context.Context, id string, event commands.Event, change commands.Change) (*commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.data[id]
	if !ok {
		return nil, commands.ErrNotFound
	}
	if err := commands.Apply(stored, event, change); err != nil {
		return nil, err
	}
	return clone(stored), nil
}

// ExpireDue expires non-terminal commands whose deadline has passed.
func (r *CommandRepository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*commands.Command
	for _, cmd := range r.data {
		if !cmd.Status.IsTerminal() && !cmd.ExpiresAt.After(now) {
			due = append(due, cmd)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		}
		return due[i].Seq < due[j].Seq
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	expired := make([]commands.Command, 0, len(due))
	for _, cmd := range due {
		if err := commands.Apply(cmd, commands.EventExpire, commands.Change{At: now}); err != nil {
			continue
		}
		expired = append(expired, *clone(cmd))
	}
	return expired, nil
}

// Retry marks a failed command retried and stores its successor atomically.
func (r *CommandRepository) Retry(ctx context.Context, id string, successor *commands.Command, now time.Time) (*commands.Command, error) {
	_ = ctx
	if successor == nil {
		return nil, commands.ErrValidation
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.data[id]
	if !ok {
		return nil, commands.ErrNotFound
	}
	if _, exists := r.data[successor.ID]; exists {
		return nil, commands.ErrDuplicateID
	}
	original := *clone(stored)
	if err := commands.Apply(stored, commands.EventRetry, commands.Change{
		At:       now,
		Metadata: commands.Metadata{RetriedAs: successor.ID},
	}); err != nil {
		return nil, err
	}
	if err := r.insertLocked(successor); err != nil {
		r.data[id] = &original
		return nil, err
	}
	return clone(r.data[successor.ID]), nil
}

// ListByDevice returns a device's commands, newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, filter commands.ListFilter) ([]commands.Command, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []commands.Command
	for _, cmd := range r.data {
		if filter.DeviceID != "" && cmd.DeviceID != filter.DeviceID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, cmd.Status) {
			continue
		}
		result = append(result, *clone(cmd))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq > result[j].Seq
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func containsStatus(statuses []commands.Status, status commands.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func clone(cmd *commands.Command) *commands.Command {
	c := *cmd
	c.Params = append([]byte(nil), cmd.Params...)
	c.Result = append([]byte(nil), cmd.Result...)
	if cmd.ClaimedAt != nil {
		at := *cmd.ClaimedAt
		c.ClaimedAt = &at
	}
	if cmd.CompletedAt != nil {
		at := *cmd.CompletedAt
		c.CompletedAt = &at
	}
	if cmd.Metadata.DeliveredAt != nil {
		at := *cmd.Metadata.DeliveredAt
		c.Metadata.DeliveredAt = &at
	}
	return &c
}
