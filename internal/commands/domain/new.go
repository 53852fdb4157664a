package commands

import (
	"bytes"
	"encoding/json"
	"time"
)

// Draft is a validated-on-construction command request.
type Draft struct {
	ID          string
	DeviceID    string
	CommandType CommandType
	Params      json.RawMessage
	Priority    Priority
	RequiresAck bool
	ExecuteAt   time.Time
	TTL         time.Duration
	Metadata    Metadata
}

// New builds a pending command from d, created at now.
func New(d Draft, now time.Time) (*Command, error) {
	now = now.UTC()
	if d.ID == "" {
		return nil, validationError("id required")
	}
	if d.DeviceID == "" {
		return nil, validationError("device_id required")
	}
	if !d.CommandType.Known() {
		return nil, validationError("unknown command_type %q", d.CommandType)
	}
	priority, ok := ParsePriority(string(d.Priority))
	if !ok {
		return nil, validationError("unknown priority %q", d.Priority)
	}
	params, err := normalizeParams(d.Params)
	if err != nil {
		return nil, err
	}
	if d.TTL <= 0 {
		return nil, validationError("ttl must be positive")
	}
	if d.TTL < time.Second {
		return nil, validationError("ttl must be at least 1s")
	}
	executeAt := d.ExecuteAt.UTC()
	if d.ExecuteAt.IsZero() || executeAt.Before(now) {
		executeAt = now
	}
	ttl := d.TTL.Truncate(time.Second)
	expiresAt := now.Add(ttl)
	if !executeAt.Before(expiresAt) {
		return nil, validationError("execute_at must fall before the ttl deadline")
	}
	return &Command{
		ID:          d.ID,
		DeviceID:    d.DeviceID,
		CommandType: d.CommandType,
		Params:      params,
		Priority:    priority,
		Status:      StatusPending,
		RequiresAck: d.RequiresAck,
		ExecuteAt:   executeAt,
		TTL:         ttl,
		ExpiresAt:   expiresAt,
		Metadata:    d.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Successor builds the pending command that retries c.
func (c Command) Successor(id string, now time.Time) (*Command, error) {
	return New(Draft{
		ID:          id,
		DeviceID:    c.DeviceID,
		CommandType: c.CommandType,
		Params:      c.Params,
		Priority:    c.Priority,
		RequiresAck: c.RequiresAck,
		ExecuteAt:   now,
		TTL:         c.TTL,
		Metadata: Metadata{
			QueuedBy:   c.Metadata.QueuedBy,
			RetryOf:    c.ID,
			RetryCount: c.Metadata.RetryCount + 1,
		},
	}, now)
}

func normalizeParams(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(trimmed) {
		return nil, validationError("params must be valid json")
	}
	if trimmed[0] != '{' {
		return nil, validationError("params must be a json object")
	}
	return append(json.RawMessage(nil), trimmed...), nil
}
