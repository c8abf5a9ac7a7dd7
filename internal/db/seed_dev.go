package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevice struct {
	DeviceID  string
	Name      string
	Location  string
	PublicKey string
}

type SeedDevOptions struct {
	// Devices from the config file are registered (known=1) so the health
	// monitor watches them from the first tick.
	Devices []SeedDevice
}

func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	devices := opt.Devices
	if len(devices) == 0 {
		// Minimal "starter reader".
		devices = []SeedDevice{{DeviceID: "reader-001", Name: "Main Entrance", Location: "Lobby"}}
	}

	for _, d := range devices {
		id := strings.TrimSpace(d.DeviceID)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO devices(
  device_id, name, location, public_key, known,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, NULLIF(?, ''), 1, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  name = excluded.name,
  location = excluded.location,
  public_key = COALESCE(excluded.public_key, devices.public_key),
  known = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, d.Name, d.Location, d.PublicKey, now, now); err != nil {
			return fmt.Errorf("seed device %s: %w", id, err)
		}
	}

	return nil
}
