package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"droidfleet-cloud/internal/auth"
	masterdata "droidfleet-cloud/internal/masterdata/domain"
)

const (
	defaultTokenTTL  = 90 * 24 * time.Hour
	defaultListLimit = 100
	maxListLimit     = 1000
)

var (
	// ErrInvalidRequest marks a malformed registration.
	ErrInvalidRequest = errors.New("provisioning: invalid request")
	// ErrDeviceNotFound is returned for unknown device ids.
	ErrDeviceNotFound = errors.New("provisioning: device not found")
)

// DeviceStore persists enrolled devices.
type DeviceStore interface {
	Get(ctx context.Context, id string) (*masterdata.Device, error)
	Save(ctx context.Context, device *masterdata.Device) error
	List(ctx context.Context, limit int) ([]masterdata.Device, error)
}

// RegisterRequest defines a device enrollment payload.
type RegisterRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

// RegisterResponse returns the device and its polling credential.
type RegisterResponse struct {
	Device         masterdata.Device `json:"device"`
	Token          string            `json:"token"`
	TokenExpiresAt time.Time         `json:"token_expires_at"`
}

// Service enrolls devices and issues device tokens.
type Service struct {
	devices  DeviceStore
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithTokenTTL overrides the device token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// NewService constructs a provisioning service.
func NewService(devices DeviceStore, secret []byte, opts ...Option) (*Service, error) {
	if devices == nil {
		return nil, errors.New("provisioning: nil device store")
	}
	if len(secret) == 0 {
		return nil, errors.New("provisioning: empty token secret")
	}
	s := &Service{devices: devices, secret: secret, tokenTTL: defaultTokenTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register upserts a device and issues a fresh device token. Without an
// explicit id the device gets a stable id derived from name and model.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if err := validateRegister(req); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = stableID("device", req.Name+"|"+req.Model)
	}

	device := &masterdata.Device{
		ID:         id,
		Name:       req.Name,
		Model:      req.Model,
		OSVersion:  req.OSVersion,
		AppVersion: req.AppVersion,
	}
	existing, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		device.RegisteredAt = existing.RegisteredAt
		device.LastSeenAt = existing.LastSeenAt
	}
	if err := s.devices.Save(ctx, device); err != nil {
		return nil, err
	}

	token, expiresAt, err := s.issue(id)
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{Device: *device, Token: token, TokenExpiresAt: expiresAt}, nil
}

// IssueToken rotates the credential of an enrolled device.
func (s *Service) IssueToken(ctx context.Context, id string) (*RegisterResponse, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.issue(device.ID)
	if err != nil {
		return nil, err
	}
	return &RegisterResponse{Device: *device, Token: token, TokenExpiresAt: expiresAt}, nil
}

// Get loads a device.
func (s *Service) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidRequest
	}
	device, err := s.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrDeviceNotFound
	}
	return device, nil
}

// List returns enrolled devices.
func (s *Service) List(ctx context.Context, limit int) ([]masterdata.Device, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	devices, err := s.devices.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []masterdata.Device{}
	}
	return devices, nil
}

func (s *Service) issue(deviceID string) (string, time.Time, error) {
	expiresAt := s.now().UTC().Add(s.tokenTTL)
	token, err := auth.IssueJWT(s.secret, deviceID, auth.RoleDevice, s.tokenTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func validateRegister(req RegisterRequest) error {
	if strings.TrimSpace(req.ID) == "" && strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: id or name required", ErrInvalidRequest)
	}
	if strings.ContainsAny(req.ID, "/ ") {
		return fmt.Errorf("%w: id must not contain '/' or spaces", ErrInvalidRequest)
	}
	return nil
}

func stableID(prefix, key string) string {
	sum := sha1.Sum([]byte(key))
	return prefix + "-" + hex.EncodeToString(sum[:8])
}
