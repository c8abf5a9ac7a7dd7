package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

// IsKnown: a device is known once an operator (or the seeder) registered it.
// Rows created by MarkSeen for strangers stay known=0.
func (s *DeviceStore) IsKnown(ctx context.Context, deviceID string) (bool, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false, nil
	}

	var known int
	err := s.db.QueryRowContext(ctx, `
SELECT known FROM devices WHERE device_id = ?;
`, deviceID).Scan(&known)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return known == 1, nil
}

// ensureDevice guarantees a devices row exists so heartbeat and alert rows
// can reference it.  New rows start unregistered.
//
// Must be called inside an existing transaction.
func ensureDevice(ctx context.Context, tx *sql.Tx, deviceID string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(
  device_id, known, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?);
`, deviceID, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureDevice %s: %w", deviceID, err)
	}
	return nil
}

func (s *DeviceStore) MarkSeen(ctx context.Context, deviceID string, t time.Time) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureDevice(ctx, tx, deviceID, ms); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE devices
SET last_heartbeat_ms = MAX(COALESCE(last_heartbeat_ms, 0), ?),
    updated_at_ms     = ?
WHERE device_id = ?;
`, ms, ms, deviceID); err != nil {
			return fmt.Errorf("MarkSeen update device: %w", err)
		}
		return nil
	})
}

func (s *DeviceStore) RegisterDevice(ctx context.Context, d types.Device) error {
	id := strings.TrimSpace(d.DeviceID)
	if id == "" {
		return fmt.Errorf("RegisterDevice: empty device id")
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}
	ms := d.RegisteredAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO devices(device_id, name, location, public_key, known, created_at_ms, updated_at_ms)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 1, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  name          = excluded.name,
  location      = excluded.location,
  public_key    = COALESCE(excluded.public_key, devices.public_key),
  known         = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, d.Name, d.Location, d.PublicKey, ms, ms); err != nil {
			return fmt.Errorf("RegisterDevice %s: %w", id, err)
		}
		return nil
	})
}

const deviceSelect = `
SELECT device_id, name, location, public_key, known, maintenance, last_heartbeat_ms, created_at_ms
FROM devices`

func scanDevice(row scanner) (types.Device, error) {
	var (
		d           types.Device
		name        sql.NullString
		location    sql.NullString
		pub         sql.NullString
		known       int
		maintenance int
		lastMs      sql.NullInt64
		createdMs   int64
	)
	if err := row.Scan(&d.DeviceID, &name, &location, &pub, &known, &maintenance, &lastMs, &createdMs); err != nil {
		return types.Device{}, err
	}
	d.Name = name.String
	d.Location = location.String
	d.PublicKey = pub.String
	d.Known = known == 1
	d.Maintenance = maintenance == 1
	d.LastHeartbeat = nullTime(lastMs)
	d.RegisteredAt = fromMs(createdMs)
	return d, nil
}

func (s *DeviceStore) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, deviceSelect+`
WHERE device_id = ?;`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Device{}, store.ErrNotFound
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("GetDevice: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+`
ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDevices scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceStore) SetMaintenance(ctx context.Context, deviceID string, on bool) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE devices SET maintenance = ?, updated_at_ms = ? WHERE device_id = ?;
`, boolInt(on), time.Now().UTC().UnixMilli(), deviceID)
		if err != nil {
			return fmt.Errorf("SetMaintenance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *DeviceStore) AlertState(ctx context.Context, deviceID string) (types.DeviceAlertState, bool, error) {
	st := types.DeviceAlertState{DeviceID: deviceID}
	var episodeMs, escalatedMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT episode_heartbeat_ms, escalated_at_ms FROM device_alerts WHERE device_id = ?;
`, deviceID).Scan(&episodeMs, &escalatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("AlertState: %w", err)
	}
	st.EpisodeHeartbeat = fromMs(episodeMs)
	st.EscalatedAt = fromMs(escalatedMs)
	return st, true, nil
}

// SaveAlertState creates an unregistered devices row first when the device
// is only known from the ledger.
func (s *DeviceStore) SaveAlertState(ctx context.Context, st types.DeviceAlertState) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureDevice(ctx, tx, st.DeviceID, st.EscalatedAt.UTC().UnixMilli()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO device_alerts(device_id, episode_heartbeat_ms, escalated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  episode_heartbeat_ms = excluded.episode_heartbeat_ms,
  escalated_at_ms      = excluded.escalated_at_ms;
`, st.DeviceID, st.EpisodeHeartbeat.UTC().UnixMilli(), st.EscalatedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("SaveAlertState: %w", err)
		}
		return nil
	})
}

func (s *DeviceStore) ClearAlertState(ctx context.Context, deviceID string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM device_alerts WHERE device_id = ?;
`, deviceID); err != nil {
			return fmt.Errorf("ClearAlertState: %w", err)
		}
		return nil
	})
}
