package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type LedgerStore struct {
	s *Store
}

// Append plays the part of the gateway: entries are stored as given, in
// sequence order.  Reusing a sequence_id is a conflict.
func (l *LedgerStore) Append(entries ...types.LedgerEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	for _, e := range entries {
		i := sort.Search(len(l.s.ledger), func(i int) bool { return l.s.ledger[i].SequenceID >= e.SequenceID })
		if i < len(l.s.ledger) && l.s.ledger[i].SequenceID == e.SequenceID {
			return fmt.Errorf("append ledger %d: %w", e.SequenceID, store.ErrConflict)
		}
		e.Payload = append([]byte(nil), e.Payload...)
		e.Processed, e.ProcessedAt = false, nil
		l.s.ledger = append(l.s.ledger, types.LedgerEntry{})
		copy(l.s.ledger[i+1:], l.s.ledger[i:])
		l.s.ledger[i] = e
	}
	return nil
}

// withProcessing returns a copy of e with the processing marker joined in.
// Caller holds the lock.
func (l *LedgerStore) withProcessing(e types.LedgerEntry) types.LedgerEntry {
	e.Payload = append([]byte(nil), e.Payload...)
	if p, ok := l.s.processing[e.SequenceID]; ok {
		e.Processed = true
		e.ProcessedAt = timePtr(p.at)
	}
	return e
}

func (l *LedgerStore) collect(match func(types.LedgerEntry) bool, after int64, limit int) []types.LedgerEntry {
	start := sort.Search(len(l.s.ledger), func(i int) bool { return l.s.ledger[i].SequenceID > after })
	var out []types.LedgerEntry
	for _, e := range l.s.ledger[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(e) {
			out = append(out, l.withProcessing(e))
		}
	}
	return out
}

func (l *LedgerStore) ListAfter(_ context.Context, after int64, limit int) ([]types.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.collect(func(types.LedgerEntry) bool { return true }, after, limit), nil
}

func (l *LedgerStore) ListUnprocessed(_ context.Context, after, through int64, limit int) ([]types.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.collect(func(e types.LedgerEntry) bool {
		_, done := l.s.processing[e.SequenceID]
		return e.SequenceID <= through && !done
	}, after, limit), nil
}

func (l *LedgerStore) Get(_ context.Context, sequenceID int64) (types.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	i := sort.Search(len(l.s.ledger), func(i int) bool { return l.s.ledger[i].SequenceID >= sequenceID })
	if i == len(l.s.ledger) || l.s.ledger[i].SequenceID != sequenceID {
		return types.LedgerEntry{}, store.ErrNotFound
	}
	return l.withProcessing(l.s.ledger[i]), nil
}

func (l *LedgerStore) Query(_ context.Context, q store.LedgerQuery) ([]types.LedgerEntry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return l.collect(func(e types.LedgerEntry) bool {
		if q.DeviceID != "" && e.DeviceID != q.DeviceID {
			return false
		}
		if q.CredentialID != "" && e.CredentialID != q.CredentialID {
			return false
		}
		if q.Processed != nil {
			_, done := l.s.processing[e.SequenceID]
			if done != *q.Processed {
				return false
			}
		}
		return true
	}, q.AfterSequence, limit), nil
}

func (l *LedgerStore) LastScanByDevice(_ context.Context) (map[string]time.Time, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	out := make(map[string]time.Time)
	for _, e := range l.s.ledger {
		if e.ScanTimestamp.After(out[e.DeviceID]) {
			out[e.DeviceID] = e.ScanTimestamp
		}
	}
	return out, nil
}
