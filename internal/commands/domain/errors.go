package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a command id is unknown.
	ErrNotFound = errors.New("commands: not found")
	// ErrDeviceNotFound is returned when enqueueing for an unknown device.
	ErrDeviceNotFound = errors.New("commands: device not found")
	// ErrInvalidTransition is returned when the state machine rejects an event.
	ErrInvalidTransition = errors.New("commands: invalid transition")
	// ErrDuplicateID is returned when inserting an id that already exists.
	ErrDuplicateID = errors.New("commands: duplicate id")
	// ErrValidation is returned for malformed enqueue requests.
	ErrValidation = errors.New("commands: validation failed")
)

// InvalidTransitionError reports the state a command was in when an event was rejected.
type InvalidTransitionError struct {
	CommandID string
	From      Status
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	if e.CommandID == "" {
		return fmt.Sprintf("commands: invalid transition: %s from %s", e.Event, e.From)
	}
	return fmt.Sprintf("commands: invalid transition: %s from %s (command %s)", e.Event, e.From, e.CommandID)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
