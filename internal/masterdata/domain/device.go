package masterdata

import (
	"context"
	"errors"
	"time"
)

// Device represents an enrolled Android device.
type Device struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Model        string     `json:"model,omitempty"`
	OSVersion    string     `json:"os_version,omitempty"`
	AppVersion   string     `json:"app_version,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	Save(ctx context.Context, device *Device) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}
