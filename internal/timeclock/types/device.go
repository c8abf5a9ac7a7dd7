package types

import "time"

type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Device is a registered RFID scanner.  Status is never stored; it is
// computed from LastHeartbeat by StatusAt.
type Device struct {
	DeviceID      string     `json:"device_id"`
	Name          string     `json:"name,omitempty"`
	Location      string     `json:"location,omitempty"`
	PublicKey     string     `json:"public_key,omitempty"` // base64 ed25519
	Known         bool       `json:"known"`
	Maintenance   bool       `json:"maintenance"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// StatusAt derives the device status at now.  A device that has never
// reported is offline.
func (d Device) StatusAt(now time.Time, offlineThreshold time.Duration) DeviceStatus {
	if d.Maintenance {
		return DeviceMaintenance
	}
	if d.LastHeartbeat == nil {
		return DeviceOffline
	}
	if now.Sub(*d.LastHeartbeat) < offlineThreshold {
		return DeviceOnline
	}
	return DeviceOffline
}

// DeviceAlertState tracks escalation for the current offline episode.  An
// episode is identified by the heartbeat value the device went silent at.
type DeviceAlertState struct {
	DeviceID         string    `json:"device_id"`
	EpisodeHeartbeat time.Time `json:"episode_heartbeat"`
	EscalatedAt      time.Time `json:"escalated_at"`
}
