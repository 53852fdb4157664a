package events

import "time"

// CommandEnqueued is emitted when an operator queues a command.
type CommandEnqueued struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CommandType string    `json:"command_type"`
	Priority    string    `json:"priority"`
	ExecuteAt   time.Time `json:"execute_at"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandCompleted is emitted when a device reports success.
type CommandCompleted struct {
	EventID    string    `json:"event_id"`
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandFailed is emitted when a device reports failure.
type CommandFailed struct {
	EventID    string    `json:"event_id"`
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandCancelled is emitted when an operator cancels a command before claim.
type CommandCancelled struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	DeviceID    string    `json:"device_id"`
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CommandExpired is emitted by the sweeper for each command it expires.
type CommandExpired struct {
	EventID    string    `json:"event_id"`
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	WasClaimed bool      `json:"was_claimed"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandRetried links a failed command to its successor.
type CommandRetried struct {
	EventID     string    `json:"event_id"`
	CommandID   string    `json:"command_id"`
	SuccessorID string    `json:"successor_id"`
	DeviceID    string    `json:"device_id"`
	RetryCount  int       `json:"retry_count"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// All returns one sample of every command event, for registry wiring.
func All() []any {
	return []any{
		CommandEnqueued{},
		CommandCompleted{},
		CommandFailed{},
		CommandCancelled{},
		CommandExpired{},
		CommandRetried{},
	}
}
