package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const maxCardUIDLen = 64

// ActorSystem is recorded on log rows written by sweeps rather than people.
const ActorSystem = "system"

// BadgeService owns the badge state machine:
//
//	unissued -> active -> {deactivated, expired, replaced}
//	deactivated -> active (operator reactivation only)
//
// Every mutation runs inside one BadgeStore.Mutate call and writes exactly
// one issue-log row per badge it changes.
type BadgeService struct {
	store   store.BadgeStore
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     Clock
}

func NewBadgeService(st store.BadgeStore, log logrus.FieldLogger, m *metrics.Metrics) *BadgeService {
	if m == nil {
		m = metrics.New()
	}
	return &BadgeService{store: st, log: log, metrics: m, now: systemClock}
}

// SetClock replaces the time source.  Tests only.
func (s *BadgeService) SetClock(now Clock) { s.now = now }

type IssueRequest struct {
	EmployeeID string         `json:"employee_id"`
	CardUID    string         `json:"card_uid"`
	CardType   types.CardType `json:"card_type"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Actor      string         `json:"actor"`
}

type ReplaceRequest struct {
	EmployeeID string         `json:"employee_id"`
	OldCardUID string         `json:"old_card_uid"`
	NewCardUID string         `json:"new_card_uid"`
	Reason     string         `json:"reason"`
	Fee        *int64         `json:"replacement_fee,omitempty"`
	CardType   types.CardType `json:"card_type,omitempty"` // defaults to the old card's type
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Actor      string         `json:"actor"`
}

func normalizeCardUID(uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" || len(uid) > maxCardUIDLen || strings.IndexFunc(uid, unicode.IsSpace) >= 0 {
		return "", ErrInvalidCardUID
	}
	return uid, nil
}

func normalizeEmployeeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidEmployeeID
	}
	return id, nil
}

func actorOr(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return "unknown"
}

func (s *BadgeService) observe(action types.BadgeAction, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.BadgeOperations.WithLabelValues(string(action), result).Inc()
}

func (s *BadgeService) newLog(b types.Badge, action types.BadgeAction, reason, actor string, at time.Time) types.BadgeIssueLog {
	return types.BadgeIssueLog{
		ID:         uuid.NewString(),
		CardUID:    b.CardUID,
		EmployeeID: b.EmployeeID,
		ActionType: action,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  at,
	}
}

// Issue creates a badge for an employee who has none.  An employee with an
// active badge must go through Replace.
func (s *BadgeService) Issue(ctx context.Context, req IssueRequest) (b types.Badge, err error) {
	defer func() { s.observe(types.ActionIssued, err) }()

	uid, err := normalizeCardUID(req.CardUID)
	if err != nil {
		return types.Badge{}, err
	}
	emp, err := normalizeEmployeeID(req.EmployeeID)
	if err != nil {
		return types.Badge{}, err
	}
	ct := req.CardType
	if ct == "" {
		ct = types.CardStandard
	}
	if !ct.Valid() {
		return types.Badge{}, ErrInvalidCardType
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return types.Badge{}, ErrBadgeExpired
	}
	actor := actorOr(req.Actor)

	b = types.Badge{
		CardUID:    uid,
		EmployeeID: emp,
		CardType:   ct,
		Status:     types.BadgeActive,
		IsActive:   true,
		IssuedAt:   now,
		IssuedBy:   actor,
		ExpiresAt:  req.ExpiresAt,
	}

	err = s.store.Mutate(ctx, func(ctx context.Context, tx store.BadgeTx) error {
		if _, exists, err := tx.Get(ctx, uid); err != nil {
			return err
		} else if exists {
			return ErrDuplicateCardUID
		}
		if _, has, err := tx.ActiveForEmployee(ctx, emp); err != nil {
			return err
		} else if has {
			return ErrEmployeeAlreadyBadged
		}
		if err := tx.Insert(ctx, b); err != nil {
			return err
		}
		return tx.AppendLog(ctx, s.newLog(b, types.ActionIssued, "", actor, now))
	})
	if err != nil {
		return types.Badge{}, fmt.Errorf("issue badge %s: %w", uid, err)
	}

	s.log.WithFields(logrus.Fields{"card_uid": uid, "employee_id": emp, "actor": actor}).Info("badge issued")
	return b, nil
}

// Replace retires the employee's current card and activates a new one in
// one transaction, so the employee never has zero or two active badges.
func (s *BadgeService) Replace(ctx context.Context, req ReplaceRequest) (nb types.Badge, err error) {
	defer func() { s.observe(types.ActionReplaced, err) }()

	oldUID, err := normalizeCardUID(req.OldCardUID)
	if err != nil {
		return types.Badge{}, err
	}
	newUID, err := normalizeCardUID(req.NewCardUID)
	if err != nil {
		return types.Badge{}, err
	}
	emp, err := normalizeEmployeeID(req.EmployeeID)
	if err != nil {
		return types.Badge{}, err
	}
	if req.Fee != nil && *req.Fee < 0 {
		return types.Badge{}, ErrInvalidFee
	}
	if req.CardType != "" && !req.CardType.Valid() {
		return types.Badge{}, ErrInvalidCardType
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return types.Badge{}, ErrBadgeExpired
	}
	actor := actorOr(req.Actor)
	reason := strings.TrimSpace(req.Reason)

	err = s.store.Mutate(ctx, func(ctx context.Context, tx store.BadgeTx) error {
		old, ok, err := tx.Get(ctx, oldUID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadgeNotFound
		}
		if old.EmployeeID != emp {
			return ErrBadgeEmployeeMismatch
		}
		if !old.IsActive {
			return ErrAlreadyInactive
		}
		if _, exists, err := tx.Get(ctx, newUID); err != nil {
			return err
		} else if exists {
			return ErrDuplicateCardUID
		}

		old.IsActive = false
		old.Status = types.BadgeReplaced
		old.DeactivatedAt = &now
		old.DeactivationReason = "replaced: " + reason
		if err := tx.Update(ctx, old); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, s.newLog(old, types.ActionDeactivated, old.DeactivationReason, actor, now)); err != nil {
			return err
		}

		ct := req.CardType
		if ct == "" {
			ct = old.CardType
		}
		nb = types.Badge{
			CardUID:    newUID,
			EmployeeID: emp,
			CardType:   ct,
			Status:     types.BadgeActive,
			IsActive:   true,
			IssuedAt:   now,
			IssuedBy:   actor,
			ExpiresAt:  req.ExpiresAt,
		}
		if err := tx.Insert(ctx, nb); err != nil {
			return err
		}
		l := s.newLog(nb, types.ActionReplaced, reason, actor, now)
		l.PreviousCardUID = oldUID
		l.ReplacementFee = req.Fee
		return tx.AppendLog(ctx, l)
	})
	if err != nil {
		return types.Badge{}, fmt.Errorf("replace badge %s: %w", oldUID, err)
	}

	s.log.WithFields(logrus.Fields{
		"card_uid":          newUID,
		"previous_card_uid": oldUID,
		"employee_id":       emp,
		"actor":             actor,
	}).Info("badge replaced")
	return nb, nil
}

func (s *BadgeService) Deactivate(ctx context.Context, cardUID, reason, actor string) (b types.Badge, err error) {
	defer func() { s.observe(types.ActionDeactivated, err) }()

	uid, err := normalizeCardUID(cardUID)
	if err != nil {
		return types.Badge{}, err
	}
	actor = actorOr(actor)
	reason = strings.TrimSpace(reason)
	now := s.now()

	err = s.store.Mutate(ctx, func(ctx context.Context, tx store.BadgeTx) error {
		cur, ok, err := tx.Get(ctx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadgeNotFound
		}
		if !cur.IsActive {
			return ErrAlreadyInactive
		}
		cur.IsActive = false
		cur.Status = types.BadgeDeactivated
		cur.DeactivatedAt = &now
		cur.DeactivationReason = reason
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		b = cur
		return tx.AppendLog(ctx, s.newLog(cur, types.ActionDeactivated, reason, actor, now))
	})
	if err != nil {
		return types.Badge{}, fmt.Errorf("deactivate badge %s: %w", uid, err)
	}

	s.log.WithFields(logrus.Fields{"card_uid": uid, "employee_id": b.EmployeeID, "actor": actor, "reason": reason}).Info("badge deactivated")
	return b, nil
}

// Reactivate brings a deactivated badge back (lost card found).  Replaced
// and expired badges stay retired.
func (s *BadgeService) Reactivate(ctx context.Context, cardUID, reason, actor string) (b types.Badge, err error) {
	defer func() { s.observe(types.ActionReactivated, err) }()

	uid, err := normalizeCardUID(cardUID)
	if err != nil {
		return types.Badge{}, err
	}
	actor = actorOr(actor)
	reason = strings.TrimSpace(reason)
	now := s.now()

	err = s.store.Mutate(ctx, func(ctx context.Context, tx store.BadgeTx) error {
		cur, ok, err := tx.Get(ctx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadgeNotFound
		}
		if cur.Status != types.BadgeDeactivated {
			return ErrNotReactivatable
		}
		if cur.ExpiredAt(now) {
			return ErrBadgeExpired
		}
		if _, has, err := tx.ActiveForEmployee(ctx, cur.EmployeeID); err != nil {
			return err
		} else if has {
			return ErrEmployeeAlreadyBadged
		}
		cur.IsActive = true
		cur.Status = types.BadgeActive
		cur.DeactivatedAt = nil
		cur.DeactivationReason = ""
		if err := tx.Update(ctx, cur); err != nil {
			return err
		}
		b = cur
		return tx.AppendLog(ctx, s.newLog(cur, types.ActionReactivated, reason, actor, now))
	})
	if err != nil {
		return types.Badge{}, fmt.Errorf("reactivate badge %s: %w", uid, err)
	}

	s.log.WithFields(logrus.Fields{"card_uid": uid, "employee_id": b.EmployeeID, "actor": actor}).Info("badge reactivated")
	return b, nil
}

// Expire deactivates every active badge whose expiry has passed.  Running
// it again finds nothing to do.
func (s *BadgeService) Expire(ctx context.Context) (expired []types.Badge, err error) {
	defer func() { s.observe(types.ActionExpired, err) }()

	now := s.now()
	err = s.store.Mutate(ctx, func(ctx context.Context, tx store.BadgeTx) error {
		expired = expired[:0]
		due, err := tx.ListExpiring(ctx, now)
		if err != nil {
			return err
		}
		for _, b := range due {
			b.IsActive = false
			b.Status = types.BadgeExpired
			b.DeactivatedAt = &now
			b.DeactivationReason = "expired"
			if err := tx.Update(ctx, b); err != nil {
				return err
			}
			if err := tx.AppendLog(ctx, s.newLog(b, types.ActionExpired, "expired", ActorSystem, now)); err != nil {
				return err
			}
			expired = append(expired, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire badges: %w", err)
	}

	for _, b := range expired {
		s.log.WithFields(logrus.Fields{"card_uid": b.CardUID, "employee_id": b.EmployeeID}).Info("badge expired")
	}
	return expired, nil
}

// RecordUsage counts an accepted scan against the credential's badge.  A
// credential with no active badge is logged and reported as
// ErrNoActiveBadge; callers must not treat that as a processing failure.
func (s *BadgeService) RecordUsage(ctx context.Context, cardUID string, at time.Time) error {
	err := s.store.RecordUsage(ctx, strings.TrimSpace(cardUID), at)
	if errors.Is(err, store.ErrNotFound) {
		s.log.WithField("card_uid", cardUID).Warn("usage for credential without an active badge")
		return ErrNoActiveBadge
	}
	if err != nil {
		return fmt.Errorf("record usage %s: %w", cardUID, err)
	}
	return nil
}

// ActiveByCredential resolves a scanned credential to its active badge.  A
// badge past its expiry that the sweep has not reached yet resolves to
// ErrBadgeExpired.
func (s *BadgeService) ActiveByCredential(ctx context.Context, credentialID string) (types.Badge, error) {
	b, err := s.store.ActiveByCard(ctx, strings.TrimSpace(credentialID))
	if errors.Is(err, store.ErrNotFound) {
		return types.Badge{}, ErrNoActiveBadge
	}
	if err != nil {
		return types.Badge{}, err
	}
	if b.ExpiredAt(s.now()) {
		return types.Badge{}, ErrBadgeExpired
	}
	return b, nil
}

func (s *BadgeService) ActiveForEmployee(ctx context.Context, employeeID string) (types.Badge, error) {
	emp, err := normalizeEmployeeID(employeeID)
	if err != nil {
		return types.Badge{}, err
	}
	b, err := s.store.ActiveForEmployee(ctx, emp)
	if errors.Is(err, store.ErrNotFound) {
		return types.Badge{}, ErrNoActiveBadge
	}
	return b, err
}

func (s *BadgeService) Get(ctx context.Context, cardUID string) (types.Badge, error) {
	b, err := s.store.Get(ctx, strings.TrimSpace(cardUID))
	if errors.Is(err, store.ErrNotFound) {
		return types.Badge{}, ErrBadgeNotFound
	}
	return b, err
}

func (s *BadgeService) ListByEmployee(ctx context.Context, employeeID string) ([]types.Badge, error) {
	emp, err := normalizeEmployeeID(employeeID)
	if err != nil {
		return nil, err
	}
	return s.store.ListByEmployee(ctx, emp)
}

// History returns the issue log of a card, including the replacement row
// of the card that succeeded it.
func (s *BadgeService) History(ctx context.Context, cardUID string) ([]types.BadgeIssueLog, error) {
	uid := strings.TrimSpace(cardUID)
	if _, err := s.Get(ctx, uid); err != nil {
		return nil, err
	}
	return s.store.History(ctx, uid)
}
