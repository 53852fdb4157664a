package commands

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusRetried    Status = "retried"
)

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusQueued, StatusInProgress, StatusCompleted,
		StatusFailed, StatusCancelled, StatusExpired, StatusRetried:
		return Status(value), true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition other than retry can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusRetried:
		return true
	default:
		return false
	}
}

// Priority is the primary claim ordering key.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority validates a priority string. Empty means normal.
func ParsePriority(value string) (Priority, bool) {
	switch Priority(value) {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(value), true
	default:
		return "", false
	}
}

// Rank orders priorities; higher ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// CommandType names the operation a device performs.
type CommandType string

const (
	TypeTakeScreenshot    CommandType = "take_screenshot"
	TypePushContacts      CommandType = "push_contacts"
	TypeSetAudio          CommandType = "set_audio"
	TypeSyncCallLogs      CommandType = "sync_call_logs"
	TypeSyncSMS           CommandType = "sync_sms"
	TypeSyncContacts      CommandType = "sync_contacts"
	TypeSyncMedia         CommandType = "sync_media"
	TypeGetLocation       CommandType = "get_location"
	TypeStartScreenStream CommandType = "start_screen_stream"
	TypeStopScreenStream  CommandType = "stop_screen_stream"
	TypeSendSMS           CommandType = "send_sms"
	TypeVibrate           CommandType = "vibrate"
	TypeReboot            CommandType = "reboot"
	TypeUpdateConfig      CommandType = "update_config"
)

var knownTypes = map[CommandType]struct{}{
	TypeTakeScreenshot:    {},
	TypePushContacts:      {},
	TypeSetAudio:          {},
	TypeSyncCallLogs:      {},
	TypeSyncSMS:           {},
	TypeSyncContacts:      {},
	TypeSyncMedia:         {},
	TypeGetLocation:       {},
	TypeStartScreenStream: {},
	TypeStopScreenStream:  {},
	TypeSendSMS:           {},
	TypeVibrate:           {},
	TypeReboot:            {},
	TypeUpdateConfig:      {},
}

// Known reports whether t is a supported command type.
func (t CommandType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Command is one unit of remote work targeted at a device.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	CommandType CommandType     `json:"command_type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	RequiresAck bool            `json:"requires_ack"`
	ExecuteAt   time.Time       `json:"execute_at"`
	TTL         time.Duration   `json:"-"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    Metadata        `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Seq         int64           `json:"-"`
}

// TTLSeconds is the serialized form of TTL.
func (c Command) TTLSeconds() int64 {
	return int64(c.TTL / time.Second)
}

// Eligible reports whether the command may be claimed at now.
func (c Command) Eligible(now time.Time) bool {
	if c.Status != StatusPending && c.Status != StatusQueued {
		return false
	}
	if c.ExecuteAt.After(now) {
		return false
	}
	return c.ExpiresAt.After(now)
}

// ClaimsBefore reports whether c is handed out ahead of other.
func (c Command) ClaimsBefore(other Command) bool {
	if c.Priority.Rank() != other.Priority.Rank() {
		return c.Priority.Rank() > other.Priority.Rank()
	}
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.Seq < other.Seq
}

// Change carries the data stamped alongside a status transition.
type Change struct {
	At       time.Time
	Result   json.RawMessage
	Metadata Metadata
}

// ListFilter narrows operator listings.
type ListFilter struct {
	DeviceID string
	Statuses []Status
	Limit    int
}

// Repository is the command store. Every mutation is a status-guarded conditional
// update built from SourceStatuses.
type Repository interface {
	Insert(ctx context.Context, cmd *Command) error
	GetByID(ctx context.Context, id string) (*Command, error)
	ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]Command, error)
	Claim(ctx context.Context, deviceID string, now time.Time, limit int) ([]Command, error)
	Transition(ctx context.Context, id string, event Event, change Change) (*Command, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]Command, error)
	Retry(ctx context.Context, id string, successor *Command, now time.Time) (*Command, error)
	ListByDevice(ctx context.Context, filter ListFilter) ([]Command, error)
}
