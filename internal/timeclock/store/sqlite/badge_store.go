package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type BadgeStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewBadgeStore(db *sql.DB, writer *dbpkg.Worker) *BadgeStore {
	return &BadgeStore{db: db, writer: writer}
}

const badgeSelect = `
SELECT card_uid, employee_id, card_type, status, is_active, issued_at_ms, issued_by,
       expires_at_ms, last_used_at_ms, usage_count, deactivated_at_ms, deactivation_reason
FROM badges`

func scanBadge(row scanner) (types.Badge, error) {
	var (
		b             types.Badge
		cardType      string
		status        string
		active        int
		issuedMs      int64
		expiresMs     sql.NullInt64
		lastUsedMs    sql.NullInt64
		deactivatedMs sql.NullInt64
		reason        sql.NullString
	)
	if err := row.Scan(&b.CardUID, &b.EmployeeID, &cardType, &status, &active, &issuedMs, &b.IssuedBy,
		&expiresMs, &lastUsedMs, &b.UsageCount, &deactivatedMs, &reason); err != nil {
		return types.Badge{}, err
	}
	b.CardType = types.CardType(cardType)
	b.Status = types.BadgeStatus(status)
	b.IsActive = active == 1
	b.IssuedAt = fromMs(issuedMs)
	b.ExpiresAt = nullTime(expiresMs)
	b.LastUsedAt = nullTime(lastUsedMs)
	b.DeactivatedAt = nullTime(deactivatedMs)
	b.DeactivationReason = reason.String
	return b, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getBadge(ctx context.Context, q queryer, where string, args ...any) (types.Badge, bool, error) {
	b, err := scanBadge(q.QueryRowContext(ctx, badgeSelect+"\nWHERE "+where+";", args...))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Badge{}, false, nil
	}
	if err != nil {
		return types.Badge{}, false, err
	}
	return b, true, nil
}

func listBadges(ctx context.Context, q queryer, query string, args ...any) ([]types.Badge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Badge
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Mutate runs fn on the writer goroutine.  fn must only touch storage
// through tx; the single connection is held for the whole transaction.
func (s *BadgeStore) Mutate(ctx context.Context, fn func(ctx context.Context, tx store.BadgeTx) error) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &badgeTx{tx: tx})
	})
}

func (s *BadgeStore) Get(ctx context.Context, cardUID string) (types.Badge, error) {
	b, ok, err := getBadge(ctx, s.db, "card_uid = ?", cardUID)
	if err != nil {
		return types.Badge{}, fmt.Errorf("Get badge: %w", err)
	}
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return b, nil
}

func (s *BadgeStore) ActiveByCard(ctx context.Context, cardUID string) (types.Badge, error) {
	b, ok, err := getBadge(ctx, s.db, "card_uid = ? AND is_active = 1", cardUID)
	if err != nil {
		return types.Badge{}, fmt.Errorf("ActiveByCard: %w", err)
	}
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return b, nil
}

func (s *BadgeStore) ActiveForEmployee(ctx context.Context, employeeID string) (types.Badge, error) {
	b, ok, err := getBadge(ctx, s.db, "employee_id = ? AND is_active = 1", employeeID)
	if err != nil {
		return types.Badge{}, fmt.Errorf("ActiveForEmployee: %w", err)
	}
	if !ok {
		return types.Badge{}, store.ErrNotFound
	}
	return b, nil
}

func (s *BadgeStore) ListByEmployee(ctx context.Context, employeeID string) ([]types.Badge, error) {
	out, err := listBadges(ctx, s.db, badgeSelect+`
WHERE employee_id = ?
ORDER BY issued_at_ms, card_uid;`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("ListByEmployee: %w", err)
	}
	return out, nil
}

func (s *BadgeStore) History(ctx context.Context, cardUID string) ([]types.BadgeIssueLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, card_uid, employee_id, action_type, reason, previous_card_uid,
       replacement_fee, actor, created_at_ms
FROM badge_issue_log
WHERE card_uid = ? OR previous_card_uid = ?
ORDER BY created_at_ms, rowid;
`, cardUID, cardUID)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer rows.Close()

	var out []types.BadgeIssueLog
	for rows.Next() {
		var (
			l         types.BadgeIssueLog
			action    string
			reason    sql.NullString
			prev      sql.NullString
			fee       sql.NullInt64
			createdMs int64
		)
		if err := rows.Scan(&l.ID, &l.CardUID, &l.EmployeeID, &action, &reason, &prev,
			&fee, &l.Actor, &createdMs); err != nil {
			return nil, fmt.Errorf("History scan: %w", err)
		}
		l.ActionType = types.BadgeAction(action)
		l.Reason = reason.String
		l.PreviousCardUID = prev.String
		if fee.Valid {
			v := fee.Int64
			l.ReplacementFee = &v
		}
		l.CreatedAt = fromMs(createdMs)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *BadgeStore) RecordUsage(ctx context.Context, cardUID string, at time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE badges
SET usage_count     = usage_count + 1,
    last_used_at_ms = MAX(COALESCE(last_used_at_ms, 0), ?)
WHERE card_uid = ? AND is_active = 1;
`, at.UTC().UnixMilli(), cardUID)
		if err != nil {
			return fmt.Errorf("RecordUsage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

type badgeTx struct {
	tx *sql.Tx
}

func (t *badgeTx) Get(ctx context.Context, cardUID string) (types.Badge, bool, error) {
	b, ok, err := getBadge(ctx, t.tx, "card_uid = ?", cardUID)
	if err != nil {
		return types.Badge{}, false, fmt.Errorf("badge tx get: %w", err)
	}
	return b, ok, nil
}

func (t *badgeTx) ActiveForEmployee(ctx context.Context, employeeID string) (types.Badge, bool, error) {
	b, ok, err := getBadge(ctx, t.tx, "employee_id = ? AND is_active = 1", employeeID)
	if err != nil {
		return types.Badge{}, false, fmt.Errorf("badge tx active for employee: %w", err)
	}
	return b, ok, nil
}

func (t *badgeTx) ListExpiring(ctx context.Context, at time.Time) ([]types.Badge, error) {
	out, err := listBadges(ctx, t.tx, badgeSelect+`
WHERE is_active = 1 AND expires_at_ms IS NOT NULL AND expires_at_ms <= ?
ORDER BY expires_at_ms, card_uid;`, at.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("badge tx list expiring: %w", err)
	}
	return out, nil
}

func (t *badgeTx) Insert(ctx context.Context, b types.Badge) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO badges(
  card_uid, employee_id, card_type, status, is_active, issued_at_ms, issued_by,
  expires_at_ms, last_used_at_ms, usage_count, deactivated_at_ms, deactivation_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''));
`, b.CardUID, b.EmployeeID, string(b.CardType), string(b.Status), boolInt(b.IsActive),
		b.IssuedAt.UTC().UnixMilli(), b.IssuedBy, msOrNil(b.ExpiresAt), msOrNil(b.LastUsedAt),
		b.UsageCount, msOrNil(b.DeactivatedAt), b.DeactivationReason)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert badge %s: %w", b.CardUID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert badge %s: %w", b.CardUID, err)
	}
	return nil
}

func (t *badgeTx) Update(ctx context.Context, b types.Badge) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE badges
SET employee_id         = ?,
    card_type           = ?,
    status              = ?,
    is_active           = ?,
    expires_at_ms       = ?,
    last_used_at_ms     = ?,
    usage_count         = ?,
    deactivated_at_ms   = ?,
    deactivation_reason = NULLIF(?, '')
WHERE card_uid = ?;
`, b.EmployeeID, string(b.CardType), string(b.Status), boolInt(b.IsActive),
		msOrNil(b.ExpiresAt), msOrNil(b.LastUsedAt), b.UsageCount,
		msOrNil(b.DeactivatedAt), b.DeactivationReason, b.CardUID)
	if isUniqueViolation(err) {
		return fmt.Errorf("update badge %s: %w", b.CardUID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update badge %s: %w", b.CardUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *badgeTx) AppendLog(ctx context.Context, l types.BadgeIssueLog) error {
	var fee any
	if l.ReplacementFee != nil {
		fee = *l.ReplacementFee
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO badge_issue_log(
  id, card_uid, employee_id, action_type, reason, previous_card_uid,
  replacement_fee, actor, created_at_ms
) VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
`, l.ID, l.CardUID, l.EmployeeID, string(l.ActionType), l.Reason, l.PreviousCardUID,
		fee, l.Actor, l.CreatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("append badge log: %w", err)
	}
	return nil
}
