package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type BadgeStore struct {
	s *Store
}

func copyBadge(b types.Badge) types.Badge {
	b.ExpiresAt = copyTime(b.ExpiresAt)
	b.LastUsedAt = copyTime(b.LastUsedAt)
	b.DeactivatedAt = copyTime(b.DeactivatedAt)
	return b
}

// Mutate holds the write lock for the whole of fn and restores the
// previous badge state if fn fails.  fn must not call back into the Store.
func (b *BadgeStore) Mutate(ctx context.Context, fn func(ctx context.Context, tx store.BadgeTx) error) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	saved := maps.Clone(b.s.badges)
	logLen := len(b.s.badgeLog)

	if err := fn(ctx, &badgeTx{s: b.s}); err != nil {
		b.s.badges = saved
		b.s.badgeLog = b.s.badgeLog[:logLen]
		return err
	}
	return nil
}

func (b *BadgeStore) Get(_ context.Context, cardUID string) (types.Badge, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	bd, ok := b.s.badges[cardUID]
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return copyBadge(bd), nil
}

func (b *BadgeStore) ActiveByCard(_ context.Context, cardUID string) (types.Badge, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	bd, ok := b.s.badges[cardUID]
	if !ok || !bd.IsActive {
		return types.Badge{}, store.ErrNotFound
	}
	return copyBadge(bd), nil
}

func (s *Store) activeForEmployee(employeeID string) (types.Badge, bool) {
	for _, bd := range s.badges {
		if bd.IsActive && bd.EmployeeID == employeeID {
			return copyBadge(bd), true
		}
	}
	return types.Badge{}, false
}

func (b *BadgeStore) ActiveForEmployee(_ context.Context, employeeID string) (types.Badge, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	bd, ok := b.s.activeForEmployee(employeeID)
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return bd, nil
}

func (b *BadgeStore) ListByEmployee(_ context.Context, employeeID string) ([]types.Badge, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	var out []types.Badge
	for _, bd := range b.s.badges {
		if bd.EmployeeID == employeeID {
			out = append(out, copyBadge(bd))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].CardUID < out[j].CardUID
	})
	return out, nil
}

func (b *BadgeStore) History(_ context.Context, cardUID string) ([]types.BadgeIssueLog, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	var out []types.BadgeIssueLog
	for _, l := range b.s.badgeLog {
		if l.CardUID == cardUID || l.PreviousCardUID == cardUID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *BadgeStore) RecordUsage(_ context.Context, cardUID string, at time.Time) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	bd, ok := b.s.badges[cardUID]
	if !ok || !bd.IsActive {
		return store.ErrNotFound
	}
	bd.UsageCount++
	if bd.LastUsedAt == nil || at.After(*bd.LastUsedAt) {
		bd.LastUsedAt = timePtr(at.UTC())
	}
	b.s.badges[cardUID] = bd
	return nil
}

// ActiveCount returns how many badges are active for employeeID.
// Test-only helper for the one-active-badge invariant.
func (b *BadgeStore) ActiveCount(employeeID string) int {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()

	n := 0
	for _, bd := range b.s.badges {
		if bd.IsActive && bd.EmployeeID == employeeID {
			n++
		}
	}
	return n
}

// badgeTx works on the live maps; the caller holds the write lock.
type badgeTx struct {
	s *Store
}

func (t *badgeTx) Get(_ context.Context, cardUID string) (types.Badge, bool, error) {
	bd, ok := t.s.badges[cardUID]
	if !ok {
		return types.Badge{}, false, nil
	}
	return copyBadge(bd), true, nil
}

func (t *badgeTx) ActiveForEmployee(_ context.Context, employeeID string) (types.Badge, bool, error) {
	bd, ok := t.s.activeForEmployee(employeeID)
	return bd, ok, nil
}

func (t *badgeTx) ListExpiring(_ context.Context, at time.Time) ([]types.Badge, error) {
	var out []types.Badge
	for _, bd := range t.s.badges {
		if bd.IsActive && bd.ExpiredAt(at) {
			out = append(out, copyBadge(bd))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].CardUID < out[j].CardUID
	})
	return out, nil
}

// checkActiveUnique mirrors the partial unique index on badges(employee_id).
func (t *badgeTx) checkActiveUnique(b types.Badge) error {
	if !b.IsActive {
		return nil
	}
	for uid, other := range t.s.badges {
		if uid != b.CardUID && other.IsActive && other.EmployeeID == b.EmployeeID {
			return store.ErrConflict
		}
	}
	return nil
}

func (t *badgeTx) Insert(_ context.Context, b types.Badge) error {
	if _, exists := t.s.badges[b.CardUID]; exists {
		return fmt.Errorf("insert badge %s: %w", b.CardUID, store.ErrConflict)
	}
	if err := t.checkActiveUnique(b); err != nil {
		return fmt.Errorf("insert badge %s: %w", b.CardUID, err)
	}
	t.s.badges[b.CardUID] = copyBadge(b)
	return nil
}

func (t *badgeTx) Update(_ context.Context, b types.Badge) error {
	if _, exists := t.s.badges[b.CardUID]; !exists {
		return store.ErrNotFound
	}
	if err := t.checkActiveUnique(b); err != nil {
		return fmt.Errorf("update badge %s: %w", b.CardUID, err)
	}
	t.s.badges[b.CardUID] = copyBadge(b)
	return nil
}

func (t *badgeTx) AppendLog(_ context.Context, l types.BadgeIssueLog) error {
	t.s.badgeLog = append(t.s.badgeLog, l)
	return nil
}
