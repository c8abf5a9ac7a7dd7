package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type AttendanceStore struct {
	s *Store
}

func (a *AttendanceStore) DedupMark(_ context.Context, key ledger.DedupKey) (ledger.DedupMark, bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	m, ok := a.s.marks[key]
	return m, ok, nil
}

func (a *AttendanceStore) CommitScan(_ context.Context, c store.ScanCommit) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	seq := c.Entry.SequenceID
	if _, done := a.s.processing[seq]; done {
		return false, nil
	}
	if c.Event != nil {
		for _, ev := range a.s.events {
			if ev.ID == c.Event.ID || ev.LedgerSequenceID == seq {
				return false, fmt.Errorf("CommitScan insert event: %w", store.ErrConflict)
			}
		}
	}

	if c.ProcessedAt.IsZero() {
		c.ProcessedAt = time.Now().UTC()
	}
	a.s.processing[seq] = processing{outcome: c.Outcome, at: c.ProcessedAt.UTC()}

	if c.Event != nil {
		ev := *c.Event
		ev.LedgerSequenceID = seq
		a.s.events = append(a.s.events, ev)
	}
	if c.Mark != nil {
		a.s.marks[ledger.KeyOf(c.Entry)] = *c.Mark
	}
	if c.Security != nil {
		se := *c.Security
		if se.CreatedAt.IsZero() {
			se.CreatedAt = time.Now().UTC()
		}
		a.s.security = append(a.s.security, se)
	}

	cp := a.s.checkpoints[types.CheckpointDerive]
	cp.Name = types.CheckpointDerive
	if seq > cp.SequenceID {
		cp.SequenceID = seq
	}
	cp.UpdatedAt = c.ProcessedAt.UTC()
	a.s.checkpoints[types.CheckpointDerive] = cp
	return true, nil
}

func (a *AttendanceStore) ListEvents(_ context.Context, q store.EventQuery) ([]types.AttendanceEvent, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	var out []types.AttendanceEvent
	for _, ev := range a.s.events {
		switch {
		case q.EmployeeID != "" && ev.EmployeeID != q.EmployeeID:
		case !q.From.IsZero() && ev.ScanTimestamp.Before(q.From):
		case !q.To.IsZero() && !ev.ScanTimestamp.Before(q.To):
		case ev.IsDeduplicated && !q.IncludeDeduplicated:
		default:
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScanTimestamp.Equal(out[j].ScanTimestamp) {
			return out[i].ScanTimestamp.Before(out[j].ScanTimestamp)
		}
		return out[i].LedgerSequenceID < out[j].LedgerSequenceID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *AttendanceStore) PurgeDeduplicated(_ context.Context, cutoff time.Time) (int64, int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var events, marks int64
	kept := a.s.events[:0]
	for _, ev := range a.s.events {
		if ev.IsDeduplicated && ev.CreatedAt.Before(cutoff) {
			events++
			continue
		}
		kept = append(kept, ev)
	}
	a.s.events = kept

	for k, m := range a.s.marks {
		if m.ScanTimestamp.Before(cutoff) {
			delete(a.s.marks, k)
			marks++
		}
	}
	return events, marks, nil
}

func (a *AttendanceStore) ListSecurityEvents(_ context.Context, limit int) ([]types.SecurityEvent, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]types.SecurityEvent, len(a.s.security))
	copy(out, a.s.security)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SequenceID > out[j].SequenceID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outcome returns the processing outcome recorded for a ledger entry.
// Test-only helper.
func (a *AttendanceStore) Outcome(sequenceID int64) (types.ProcessingOutcome, bool) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	p, ok := a.s.processing[sequenceID]
	return p.outcome, ok
}
