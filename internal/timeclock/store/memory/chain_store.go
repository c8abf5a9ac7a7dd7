package memory

import (
	"context"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type ChainStore struct {
	s *Store
}

func (c *ChainStore) LoadCheckpoint(_ context.Context, name string) (types.Checkpoint, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if cp, ok := c.s.checkpoints[name]; ok {
		return cp, nil
	}
	return types.Checkpoint{Name: name}, nil
}

func (c *ChainStore) SaveCheckpoint(_ context.Context, cp types.Checkpoint) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.saveCheckpoint(cp)
	return nil
}

// Caller holds the write lock.
func (s *Store) saveCheckpoint(cp types.Checkpoint) {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.Name] = cp
}

func (c *ChainStore) RecordViolation(_ context.Context, v types.ChainViolation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for _, existing := range c.s.violations {
		if existing.SequenceID == v.SequenceID && existing.Open() {
			return nil
		}
	}
	if v.DetectedAt.IsZero() {
		v.DetectedAt = time.Now().UTC()
	}
	v.ResolvedAt, v.ResolvedBy, v.Resolution = nil, "", nil
	c.s.violations = append(c.s.violations, v)
	return nil
}

func copyViolation(v types.ChainViolation) types.ChainViolation {
	v.ResolvedAt = copyTime(v.ResolvedAt)
	if v.Resolution != nil {
		r := *v.Resolution
		v.Resolution = &r
	}
	return v
}

func (c *ChainStore) OpenViolations(_ context.Context) ([]types.ChainViolation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	var out []types.ChainViolation
	for _, v := range c.s.violations {
		if v.Open() {
			out = append(out, copyViolation(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

func (c *ChainStore) ListViolations(_ context.Context, limit int) ([]types.ChainViolation, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []types.ChainViolation
	for i := len(c.s.violations) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyViolation(c.s.violations[i]))
	}
	return out, nil
}

func (c *ChainStore) ResolveViolations(_ context.Context, res types.Resolution, by string, at time.Time, cp *types.Checkpoint) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var n int64
	for i := range c.s.violations {
		if !c.s.violations[i].Open() {
			continue
		}
		r := res
		c.s.violations[i].ResolvedAt = timePtr(at.UTC())
		c.s.violations[i].ResolvedBy = by
		c.s.violations[i].Resolution = &r
		n++
	}
	if cp != nil {
		c.s.saveCheckpoint(*cp)
	}
	return n, nil
}
