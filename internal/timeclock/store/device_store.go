package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type DeviceStore interface {
	IsKnown(ctx context.Context, deviceID string) (bool, error)
	// MarkSeen creates an unregistered row for unknown devices and moves
	// last_heartbeat forward (never backward).
	MarkSeen(ctx context.Context, deviceID string, t time.Time) error
	// RegisterDevice creates or updates a registered device without
	// touching its heartbeat or maintenance state.
	RegisterDevice(ctx context.Context, d types.Device) error
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
	ListDevices(ctx context.Context) ([]types.Device, error)
	SetMaintenance(ctx context.Context, deviceID string, on bool) error

	AlertState(ctx context.Context, deviceID string) (types.DeviceAlertState, bool, error)
	SaveAlertState(ctx context.Context, st types.DeviceAlertState) error
	ClearAlertState(ctx context.Context, deviceID string) error
}
