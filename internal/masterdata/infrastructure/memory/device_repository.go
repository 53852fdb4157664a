package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	masterdata "droidfleet-cloud/internal/masterdata/domain"
)

// DeviceRepository is an in-memory device registry.
type DeviceRepository struct {
	mu   sync.RWMutex
	data map[string]masterdata.Device
}

// NewDeviceRepository constructs a repository seeded with devices.
func NewDeviceRepository(devices ...masterdata.Device) *DeviceRepository {
	repo := &DeviceRepository{data: make(map[string]masterdata.Device)}
	for _, device := range devices {
		repo.data[device.ID] = device
	}
	return repo
}

// Get returns nil when the device is unknown.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	device, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &device, nil
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	_ = ctx
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	device.UpdatedAt = now
	r.mu.Lock()
	r.data[device.ID] = *device
	r.mu.Unlock()
	return nil
}

// TouchLastSeen records a device poll.
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.data[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	if device.LastSeenAt == nil || device.LastSeenAt.Before(at) {
		device.LastSeenAt = &at
		r.data[id] = device
	}
	return nil
}

// List returns devices ordered by id.
func (r *DeviceRepository) List(ctx context.Context, limit int) ([]masterdata.Device, error) {
	_ = ctx
	r.mu.RLock()
	result := make([]masterdata.Device, 0, len(r.data))
	for _, device := range r.data {
		result = append(result, device)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
