package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	masterdata "droidfleet-cloud/internal/masterdata/domain"
)

const (
	deviceColumns    = `id, name, model, os_version, app_version, last_seen_at, registered_at, updated_at`
	defaultListLimit = 100
)

var errNilDB = errors.New("device repo: nil db")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository stores enrolled devices in the devices table.
type DeviceRepository struct {
	db DBTX
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Get loads a device by id. It returns nil when the device is unknown.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errNilDB
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}
	device, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

// Save upserts the descriptive fields of device and refreshes its timestamps
// from the stored row. Registration time and last-seen are never overwritten.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	if r == nil || r.db == nil {
		return errNilDB
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	var registered, updated time.Time
	err := r.db.QueryRowContext(ctx, `
INSERT INTO devices (id, name, model, os_version, app_version)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	model = EXCLUDED.model,
	os_version = EXCLUDED.os_version,
	app_version = EXCLUDED.app_version,
	updated_at = NOW()
RETURNING registered_at, updated_at`,
		device.ID, device.Name, device.Model, device.OSVersion, device.AppVersion,
	).Scan(&registered, &updated)
	if err != nil {
		return err
	}
	device.RegisteredAt = registered.UTC()
	device.UpdatedAt = updated.UTC()
	return nil
}

// TouchLastSeen records a device poll. Older timestamps never overwrite newer ones.
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errNilDB
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE devices
SET last_seen_at = $1
WHERE id = $2 AND (last_seen_at IS NULL OR last_seen_at < $1)`, at.UTC(), id)
	return err
}

// List returns up to limit devices ordered by id.
func (r *DeviceRepository) List(ctx context.Context, limit int) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []masterdata.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*masterdata.Device, error) {
	var (
		device   masterdata.Device
		lastSeen sql.NullTime
	)
	if err := row.Scan(&device.ID, &device.Name, &device.Model, &device.OSVersion, &device.AppVersion,
		&lastSeen, &device.RegisteredAt, &device.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		device.LastSeenAt = &t
	}
	device.RegisteredAt = device.RegisteredAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}
