package memory

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
)

type HeartbeatStore struct {
	s *Store
}

func (h *HeartbeatStore) UpsertHeartbeat(_ context.Context, deviceID string, rec store.HeartbeatRecord) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	h.s.heartbeats = append(h.s.heartbeats, heartbeat{deviceID: deviceID, rec: rec})
	h.s.markSeen(deviceID, rec.ReceivedAt)
	return nil
}

func (h *HeartbeatStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	var n int64
	kept := h.s.heartbeats[:0]
	for _, hb := range h.s.heartbeats {
		if hb.rec.ReceivedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, hb)
	}
	h.s.heartbeats = kept
	return n, nil
}

// Len returns the number of retained heartbeats.  Test-only helper.
func (h *HeartbeatStore) Len() int {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()
	return len(h.s.heartbeats)
}
