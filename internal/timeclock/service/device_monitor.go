package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const (
	DefaultOfflineThreshold = 10 * time.Minute
	DefaultEscalateAfter    = 30 * time.Minute
)

type DeviceMonitorConfig struct {
	OfflineThreshold time.Duration
	EscalateAfter    time.Duration
	// RenotifyInterval repeats an escalation for the same episode.  0 means
	// one escalation per episode.
	RenotifyInterval time.Duration
	NotifyTimeout    time.Duration
}

type DeviceReport struct {
	types.Device
	Status         types.DeviceStatus `json:"status"`
	NeverSeen      bool               `json:"never_seen"`
	OfflineSeconds int64              `json:"offline_seconds,omitempty"`
	Summary        string             `json:"summary"`
	Escalated      bool               `json:"escalated"`
}

type HealthReport struct {
	CheckedAt   time.Time      `json:"checked_at"`
	Devices     []DeviceReport `json:"devices"`
	Online      int            `json:"online"`
	Offline     int            `json:"offline"`
	Maintenance int            `json:"maintenance"`
	Escalations int            `json:"escalations"`
}

// DeviceMonitor computes device status on read.  A device's last heartbeat
// is the later of its last heartbeat and its last ledger scan; nothing but
// the alert-state table is written.
type DeviceMonitor struct {
	devices  store.DeviceStore
	ledger   store.LedgerStore
	notifier notify.Dispatcher
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	cfg      DeviceMonitorConfig
}

func NewDeviceMonitor(ds store.DeviceStore, ls store.LedgerStore, notifier notify.Dispatcher, log logrus.FieldLogger, m *metrics.Metrics, cfg DeviceMonitorConfig) *DeviceMonitor {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = notify.DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &DeviceMonitor{devices: ds, ledger: ls, notifier: notifier, log: log, metrics: m, cfg: cfg}
}

// Status reports every device at now without escalating.
func (m *DeviceMonitor) Status(ctx context.Context, now time.Time) (HealthReport, error) {
	devs, err := m.devices.ListDevices(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	scans, err := m.ledger.LastScanByDevice(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	byID := make(map[string]types.Device, len(devs))
	for _, d := range devs {
		byID[d.DeviceID] = d
	}
	// Readers the gateway logs scans for but nobody registered still show up.
	for id := range scans {
		if _, ok := byID[id]; !ok {
			byID[id] = types.Device{DeviceID: id}
		}
	}

	rep := HealthReport{CheckedAt: now}
	for _, d := range byID {
		if t, ok := scans[d.DeviceID]; ok && (d.LastHeartbeat == nil || t.After(*d.LastHeartbeat)) {
			d.LastHeartbeat = &t
		}
		rep.Devices = append(rep.Devices, m.describe(d, now))
	}
	sort.Slice(rep.Devices, func(i, j int) bool { return rep.Devices[i].DeviceID < rep.Devices[j].DeviceID })

	for _, d := range rep.Devices {
		switch d.Status {
		case types.DeviceOnline:
			rep.Online++
		case types.DeviceOffline:
			rep.Offline++
		case types.DeviceMaintenance:
			rep.Maintenance++
		}
	}
	return rep, nil
}

func (m *DeviceMonitor) describe(d types.Device, now time.Time) DeviceReport {
	r := DeviceReport{Device: d, Status: d.StatusAt(now, m.cfg.OfflineThreshold)}
	switch {
	case r.Status == types.DeviceMaintenance:
		r.Summary = "in maintenance"
	case d.LastHeartbeat == nil:
		r.NeverSeen = true
		r.Summary = "never seen"
	case r.Status == types.DeviceOnline:
		r.Summary = "last seen " + humanize.RelTime(*d.LastHeartbeat, now, "ago", "from now")
	default:
		r.OfflineSeconds = int64(now.Sub(*d.LastHeartbeat) / time.Second)
		r.Summary = "offline since " + humanize.RelTime(*d.LastHeartbeat, now, "ago", "from now")
	}
	return r
}

// Check is the periodic health check: Status plus escalation for devices
// offline longer than EscalateAfter.  An episode is escalated once; it is
// repeated only when RenotifyInterval has elapsed.
func (m *DeviceMonitor) Check(ctx context.Context, now time.Time) (HealthReport, error) {
	rep, err := m.Status(ctx, now)
	if err != nil {
		return rep, err
	}

	for i := range rep.Devices {
		d := &rep.Devices[i]
		log := m.log.WithField("device_id", d.DeviceID)

		switch d.Status {
		case types.DeviceOnline:
			if _, ok, err := m.devices.AlertState(ctx, d.DeviceID); err != nil {
				return rep, err
			} else if ok {
				if err := m.devices.ClearAlertState(ctx, d.DeviceID); err != nil {
					return rep, err
				}
				log.Info("device back online")
			}
			continue
		case types.DeviceMaintenance:
			continue
		}

		// A never-seen device has no episode start to measure from.
		if d.NeverSeen {
			continue
		}
		offline := now.Sub(*d.LastHeartbeat)
		if offline < m.cfg.EscalateAfter {
			log.WithField("offline_for", offline.Round(time.Second).String()).Debug("device offline")
			continue
		}

		st, ok, err := m.devices.AlertState(ctx, d.DeviceID)
		if err != nil {
			return rep, err
		}
		sameEpisode := ok && st.EpisodeHeartbeat.Equal(*d.LastHeartbeat)
		if sameEpisode && (m.cfg.RenotifyInterval <= 0 || now.Sub(st.EscalatedAt) < m.cfg.RenotifyInterval) {
			continue
		}

		if err := m.devices.SaveAlertState(ctx, types.DeviceAlertState{
			DeviceID:         d.DeviceID,
			EpisodeHeartbeat: *d.LastHeartbeat,
			EscalatedAt:      now,
		}); err != nil {
			return rep, err
		}
		d.Escalated = true
		rep.Escalations++
		m.metrics.DeviceEscalations.Inc()

		subject := fmt.Sprintf("Scanner %s %s", d.DeviceID, d.Summary)
		if d.Location != "" {
			subject += " (" + d.Location + ")"
		}
		log.WithField("offline_for", offline.Round(time.Second).String()).Warn("device offline escalation")
		notify.Send(ctx, m.notifier, m.cfg.NotifyTimeout, m.log, notify.NewMessage(
			notify.KindDeviceOffline, notify.RoleOperations, notify.SeverityWarning, subject,
			map[string]any{
				"device_id":       d.DeviceID,
				"location":        d.Location,
				"last_heartbeat":  d.LastHeartbeat.UTC().Format(time.RFC3339),
				"offline_seconds": d.OfflineSeconds,
				"offline_for":     strings.TrimSpace(humanize.RelTime(*d.LastHeartbeat, now, "", "")),
				"repeat":          sameEpisode,
				"registered":      d.Known,
			}))
	}

	m.metrics.DevicesByStatus.WithLabelValues(string(types.DeviceOnline)).Set(float64(rep.Online))
	m.metrics.DevicesByStatus.WithLabelValues(string(types.DeviceOffline)).Set(float64(rep.Offline))
	m.metrics.DevicesByStatus.WithLabelValues(string(types.DeviceMaintenance)).Set(float64(rep.Maintenance))
	return rep, nil
}
