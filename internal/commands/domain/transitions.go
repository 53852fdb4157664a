package commands

// Event drives a status transition.
type Event string

const (
	EventDeliver    Event = "deliver"
	EventClaim      Event = "claim"
	EventCancel     Event = "cancel"
	EventAckSuccess Event = "ack_success"
	EventAckFailure Event = "ack_failure"
	EventExpire     Event = "expire"
	EventRetry      Event = "retry"
)

type edge struct {
	from  []Status
	to    Status
	stamp stamp
}

// stamp records which timestamp a transition sets.
type stamp int

const (
	stampNone stamp = iota
	stampClaimed
	stampCompleted
)

var transitions = map[Event]edge{
	EventDeliver:    {from: []Status{StatusPending}, to: StatusQueued},
	EventClaim:      {from: []Status{StatusPending, StatusQueued}, to: StatusInProgress, stamp: stampClaimed},
	EventCancel:     {from: []Status{StatusPending, StatusQueued}, to: StatusCancelled, stamp: stampCompleted},
	EventAckSuccess: {from: []Status{StatusInProgress}, to: StatusCompleted, stamp: stampCompleted},
	EventAckFailure: {from: []Status{StatusInProgress}, to: StatusFailed, stamp: stampCompleted},
	EventExpire:     {from: []Status{StatusPending, StatusQueued, StatusInProgress}, to: StatusExpired, stamp: stampCompleted},
	EventRetry:      {from: []Status{StatusFailed}, to: StatusRetried, stamp: stampCompleted},
}

// Transition returns the status reached by applying event to from.
func Transition(from Status, event Event) (Status, error) {
	e, ok := transitions[event]
	if !ok {
		return "", &InvalidTransitionError{From: from, Event: event}
	}
	for _, status := range e.from {
		if status == from {
			return e.to, nil
		}
	}
	return "", &InvalidTransitionError{From: from, Event: event}
}

// SourceStatuses lists the statuses event may be applied to. Stores use it as the
// WHERE guard of their conditional updates.
func SourceStatuses(event Event) []Status {
	e, ok := transitions[event]
	if !ok {
		return nil
	}
	return append([]Status(nil), e.from...)
}

// Target returns the status event leads to.
func Target(event Event) Status {
	return transitions[event].to
}

// StampsClaimedAt reports whether event sets claimed_at.
func StampsClaimedAt(event Event) bool {
	return transitions[event].stamp == stampClaimed
}

// StampsCompletedAt reports whether event sets completed_at.
func StampsCompletedAt(event Event) bool {
	return transitions[event].stamp == stampCompleted
}

// Apply performs event on cmd in memory. It is the single place status,
// timestamps, result and metadata change together.
func Apply(cmd *Command, event Event, change Change) error {
	to, err := Transition(cmd.Status, event)
	if err != nil {
		if ite, ok := err.(*InvalidTransitionError); ok {
			ite.CommandID = cmd.ID
		}
		return err
	}
	at := change.At.UTC()
	cmd.Status = to
	cmd.UpdatedAt = at
	if StampsClaimedAt(event) && cmd.ClaimedAt == nil {
		claimed := at
		cmd.ClaimedAt = &claimed
	}
	if StampsCompletedAt(event) && cmd.CompletedAt == nil {
		completed := at
		cmd.CompletedAt = &completed
	}
	if len(change.Result) > 0 {
		cmd.Result = append([]byte(nil), change.Result...)
	}
	cmd.Metadata = cmd.Metadata.Merge(change.Metadata)
	return nil
}
