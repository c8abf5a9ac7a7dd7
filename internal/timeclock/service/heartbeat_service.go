package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type HeartbeatService struct {
	heartbeatStore store.HeartbeatStore
	registry       *DeviceRegistry
	log            logrus.FieldLogger
	metrics        *metrics.Metrics
	now            Clock
}

func NewHeartbeatService(hs store.HeartbeatStore, reg *DeviceRegistry, log logrus.FieldLogger, m *metrics.Metrics) *HeartbeatService {
	if m == nil {
		m = metrics.New()
	}
	return &HeartbeatService{heartbeatStore: hs, registry: reg, log: log, metrics: m, now: systemClock}
}

// SetClock replaces the time source.  Tests only.
func (s *HeartbeatService) SetClock(now Clock) { s.now = now }

// Record stores a heartbeat.  Unregistered devices are accepted and
// tracked, but the response tells them they are unknown.
func (s *HeartbeatService) Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return types.HeartbeatResponse{}, ErrInvalidDeviceID
	}

	known, err := s.registry.IsKnown(ctx, deviceID)
	if err != nil {
		return types.HeartbeatResponse{}, err
	}

	now := s.now()
	rec := store.HeartbeatRecord{
		ReceivedAt: now,
		Request:    req,
	}
	if err := s.heartbeatStore.UpsertHeartbeat(ctx, deviceID, rec); err != nil {
		return types.HeartbeatResponse{}, err
	}

	s.metrics.HeartbeatsReceived.WithLabelValues(strconv.FormatBool(known)).Inc()
	if !known {
		s.log.WithField("device_id", deviceID).Warn("heartbeat from unregistered device")
	}

	return types.HeartbeatResponse{
		OK:         true,
		Known:      known,
		DeviceID:   deviceID,
		ServerTime: now.UTC().Format(time.RFC3339Nano),
	}, nil
}
