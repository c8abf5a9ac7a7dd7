package service

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type RegisterRequest struct {
	DeviceID  string `json:"device_id" yaml:"device_id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	Location  string `json:"location,omitempty" yaml:"location"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key"`
}

type DeviceRegistry struct {
	store store.DeviceStore
	log   logrus.FieldLogger
	now   Clock
}

func NewDeviceRegistry(st store.DeviceStore, log logrus.FieldLogger) *DeviceRegistry {
	return &DeviceRegistry{store: st, log: log, now: systemClock}
}

func (r *DeviceRegistry) IsKnown(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, deviceID)
}

func validPublicKey(s string) bool {
	key, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(key) == ed25519.PublicKeySize
}

// Register creates or updates a device.  An empty public key keeps the
// one already on file.
func (r *DeviceRegistry) Register(ctx context.Context, req RegisterRequest) (types.Device, error) {
	id := strings.TrimSpace(req.DeviceID)
	if id == "" {
		return types.Device{}, ErrInvalidDeviceID
	}
	pub := strings.TrimSpace(req.PublicKey)
	if pub != "" && !validPublicKey(pub) {
		return types.Device{}, ErrInvalidPublicKey
	}

	if err := r.store.RegisterDevice(ctx, types.Device{
		DeviceID:     id,
		Name:         strings.TrimSpace(req.Name),
		Location:     strings.TrimSpace(req.Location),
		PublicKey:    pub,
		Known:        true,
		RegisteredAt: r.now(),
	}); err != nil {
		return types.Device{}, err
	}
	r.log.WithFields(logrus.Fields{"device_id": id, "signed": pub != ""}).Info("device registered")
	return r.Get(ctx, id)
}

func (r *DeviceRegistry) Get(ctx context.Context, deviceID string) (types.Device, error) {
	d, err := r.store.GetDevice(ctx, strings.TrimSpace(deviceID))
	if errors.Is(err, store.ErrNotFound) {
		return types.Device{}, ErrDeviceNotFound
	}
	return d, err
}

func (r *DeviceRegistry) SetMaintenance(ctx context.Context, deviceID string, on bool) (types.Device, error) {
	id := strings.TrimSpace(deviceID)
	err := r.store.SetMaintenance(ctx, id, on)
	if errors.Is(err, store.ErrNotFound) {
		return types.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return types.Device{}, err
	}
	r.log.WithFields(logrus.Fields{"device_id": id, "maintenance": on}).Info("device maintenance changed")
	return r.Get(ctx, id)
}
