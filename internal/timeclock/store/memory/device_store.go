package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type DeviceStore struct {
	s *Store
}

func (d *DeviceStore) IsKnown(_ context.Context, deviceID string) (bool, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	return d.s.devices[strings.TrimSpace(deviceID)].Known, nil
}

// Caller holds the write lock.
func (s *Store) markSeen(deviceID string, t time.Time) {
	dev, ok := s.devices[deviceID]
	if !ok {
		dev = types.Device{DeviceID: deviceID, RegisteredAt: t.UTC()}
	}
	if dev.LastHeartbeat == nil || t.After(*dev.LastHeartbeat) {
		dev.LastHeartbeat = timePtr(t.UTC())
	}
	s.devices[deviceID] = dev
}

func (d *DeviceStore) MarkSeen(_ context.Context, deviceID string, t time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.markSeen(deviceID, t)
	return nil
}

func (d *DeviceStore) RegisterDevice(_ context.Context, dev types.Device) error {
	id := strings.TrimSpace(dev.DeviceID)
	if id == "" {
		return fmt.Errorf("RegisterDevice: empty device id")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	cur, ok := d.s.devices[id]
	if !ok {
		cur = types.Device{DeviceID: id, RegisteredAt: dev.RegisteredAt}
		if cur.RegisteredAt.IsZero() {
			cur.RegisteredAt = time.Now().UTC()
		}
	}
	cur.Name = dev.Name
	cur.Location = dev.Location
	if dev.PublicKey != "" {
		cur.PublicKey = dev.PublicKey
	}
	cur.Known = true
	d.s.devices[id] = cur
	return nil
}

func (d *DeviceStore) GetDevice(_ context.Context, deviceID string) (types.Device, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()

	dev, ok := d.s.devices[deviceID]
	if !ok {
		return types.Device{}, store.ErrNotFound
	}
	dev.LastHeartbeat = copyTime(dev.LastHeartbeat)
	return dev, nil
}

func (d *DeviceStore) ListDevices(_ context.Context) ([]types.Device, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()

	out := make([]types.Device, 0, len(d.s.devices))
	for _, dev := range d.s.devices {
		dev.LastHeartbeat = copyTime(dev.LastHeartbeat)
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (d *DeviceStore) SetMaintenance(_ context.Context, deviceID string, on bool) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	dev, ok := d.s.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	dev.Maintenance = on
	d.s.devices[deviceID] = dev
	return nil
}

func (d *DeviceStore) AlertState(_ context.Context, deviceID string) (types.DeviceAlertState, bool, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()

	st, ok := d.s.alerts[deviceID]
	if !ok {
		return types.DeviceAlertState{DeviceID: deviceID}, false, nil
	}
	return st, true, nil
}

func (d *DeviceStore) SaveAlertState(_ context.Context, st types.DeviceAlertState) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.alerts[st.DeviceID] = st
	return nil
}

func (d *DeviceStore) ClearAlertState(_ context.Context, deviceID string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	delete(d.s.alerts, deviceID)
	return nil
}
