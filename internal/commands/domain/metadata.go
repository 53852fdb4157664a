package commands

import (
	"encoding/json"
	"time"
)

// Metadata accumulates over a command's lifecycle. Fields are only ever added;
// Merge never clears a value that is already set.
type Metadata struct {
	QueuedBy      string     `json:"queued_by,omitempty"`
	DeliveredVia  string     `json:"delivered_via,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RetryOf       string     `json:"retry_of,omitempty"`
	RetriedAs     string     `json:"retried_as,omitempty"`
	RetryCount    int        `json:"retry_count,omitempty"`
}

// Merge overlays the non-zero fields of patch onto m.
func (m Metadata) Merge(patch Metadata) Metadata {
	if patch.QueuedBy != "" {
		m.QueuedBy = patch.QueuedBy
	}
	if patch.DeliveredVia != "" {
		m.DeliveredVia = patch.DeliveredVia
	}
	if patch.DeliveredAt != nil {
		at := *patch.DeliveredAt
		m.DeliveredAt = &at
	}
	if patch.CancelledBy != "" {
		m.CancelledBy = patch.CancelledBy
	}
	if patch.CancelReason != "" {
		m.CancelReason = patch.CancelReason
	}
	if patch.FailureReason != "" {
		m.FailureReason = patch.FailureReason
	}
	if patch.RetryOf != "" {
		m.RetryOf = patch.RetryOf
	}
	if patch.RetriedAs != "" {
		m.RetriedAs = patch.RetriedAs
	}
	if patch.RetryCount != 0 {
		m.RetryCount = patch.RetryCount
	}
	return m
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// JSON encodes metadata as a JSON object, "{}" when empty.
func (m Metadata) JSON() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}
