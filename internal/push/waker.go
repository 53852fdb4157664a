package push

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when a waker has no live transport.
var ErrNotConnected = errors.New("push: not connected")

// WakeMessage tells a device it has work waiting. Devices still fetch the
// command itself over the polling API.
type WakeMessage struct {
	DeviceID    string    `json:"device_id"`
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Waker delivers wake hints to devices.
type Waker interface {
	// Channel names the transport recorded as delivered_via.
	Channel() string
	Wake(ctx context.Context, msg WakeMessage) error
}
