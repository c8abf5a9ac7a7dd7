package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// AttendanceStore owns the derived side of the pipeline: processing
// markers, attendance events, dedup windows and security events.
type AttendanceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAttendanceStore(db *sql.DB, writer *dbpkg.Worker) *AttendanceStore {
	return &AttendanceStore{db: db, writer: writer}
}

func (s *AttendanceStore) DedupMark(ctx context.Context, key ledger.DedupKey) (ledger.DedupMark, bool, error) {
	var (
		m      ledger.DedupMark
		scanMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT sequence_id, device_id, scan_timestamp_ms
FROM dedup_marks
WHERE credential_id = ? AND event_type = ?;
`, key.CredentialID, string(key.EventType)).Scan(&m.SequenceID, &m.DeviceID, &scanMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DedupMark{}, false, nil
	}
	if err != nil {
		return ledger.DedupMark{}, false, fmt.Errorf("DedupMark: %w", err)
	}
	m.ScanTimestamp = fromMs(scanMs)
	return m, true, nil
}

func (s *AttendanceStore) CommitScan(ctx context.Context, c store.ScanCommit) (bool, error) {
	if c.ProcessedAt.IsZero() {
		c.ProcessedAt = time.Now().UTC()
	}
	processedMs := c.ProcessedAt.UTC().UnixMilli()
	seq := c.Entry.SequenceID

	var committed bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO ledger_processing(sequence_id, outcome, processed_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(sequence_id) DO NOTHING;
`, seq, string(c.Outcome), processedMs)
		if err != nil {
			return fmt.Errorf("CommitScan mark processed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already processed by an earlier run.
			return nil
		}

		if ev := c.Event; ev != nil {
			var employee any
			if ev.EmployeeID != "" {
				employee = ev.EmployeeID
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO attendance_events(
  id, ledger_sequence_id, employee_id, credential_id, device_id,
  event_type, scan_timestamp_ms, is_deduplicated, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, ev.ID, seq, employee, ev.CredentialID, ev.DeviceID, string(ev.EventType),
				ev.ScanTimestamp.UTC().UnixMilli(), boolInt(ev.IsDeduplicated), ev.CreatedAt.UTC().UnixMilli(),
			); err != nil {
				return fmt.Errorf("CommitScan insert event: %w", err)
			}
		}

		if m := c.Mark; m != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO dedup_marks(credential_id, event_type, sequence_id, device_id, scan_timestamp_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(credential_id, event_type) DO UPDATE SET
  sequence_id       = excluded.sequence_id,
  device_id         = excluded.device_id,
  scan_timestamp_ms = excluded.scan_timestamp_ms;
`, c.Entry.CredentialID, string(c.Entry.EventType), m.SequenceID, m.DeviceID, m.ScanTimestamp.UTC().UnixMilli()); err != nil {
				return fmt.Errorf("CommitScan dedup mark: %w", err)
			}
		}

		if se := c.Security; se != nil {
			if err := insertSecurityEvent(ctx, tx, *se); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(name, sequence_id, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  sequence_id   = MAX(checkpoints.sequence_id, excluded.sequence_id),
  updated_at_ms = excluded.updated_at_ms;
`, types.CheckpointDerive, seq, processedMs); err != nil {
			return fmt.Errorf("CommitScan derive checkpoint: %w", err)
		}

		committed = true
		return nil
	})
	return committed, err
}

func insertSecurityEvent(ctx context.Context, tx *sql.Tx, se types.SecurityEvent) error {
	if se.CreatedAt.IsZero() {
		se.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO security_events(id, kind, sequence_id, credential_id, device_id, detail, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, se.ID, string(se.Kind), se.SequenceID, se.CredentialID, se.DeviceID, se.Detail, se.CreatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func (s *AttendanceStore) ListEvents(ctx context.Context, q store.EventQuery) ([]types.AttendanceEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, q.EmployeeID)
	}
	if !q.From.IsZero() {
		where = append(where, "scan_timestamp_ms >= ?")
		args = append(args, q.From.UTC().UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "scan_timestamp_ms < ?")
		args = append(args, q.To.UTC().UnixMilli())
	}
	if !q.IncludeDeduplicated {
		where = append(where, "is_deduplicated = 0")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `
SELECT id, ledger_sequence_id, employee_id, credential_id, device_id,
       event_type, scan_timestamp_ms, is_deduplicated, created_at_ms
FROM attendance_events`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY scan_timestamp_ms, ledger_sequence_id\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer rows.Close()

	var out []types.AttendanceEvent
	for rows.Next() {
		var (
			ev        types.AttendanceEvent
			employee  sql.NullString
			eventType string
			scanMs    int64
			dedup     int
			createdMs int64
		)
		if err := rows.Scan(&ev.ID, &ev.LedgerSequenceID, &employee, &ev.CredentialID, &ev.DeviceID,
			&eventType, &scanMs, &dedup, &createdMs); err != nil {
			return nil, fmt.Errorf("ListEvents scan: %w", err)
		}
		ev.EmployeeID = employee.String
		ev.EventType = types.EventType(eventType)
		ev.ScanTimestamp = fromMs(scanMs)
		ev.IsDeduplicated = dedup == 1
		ev.CreatedAt = fromMs(createdMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *AttendanceStore) PurgeDeduplicated(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var events, marks int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM attendance_events
WHERE is_deduplicated = 1 AND created_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PurgeDeduplicated events: %w", err)
		}
		events, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
DELETE FROM dedup_marks
WHERE scan_timestamp_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PurgeDeduplicated marks: %w", err)
		}
		marks, _ = res.RowsAffected()
		return nil
	})
	return events, marks, err
}

func (s *AttendanceStore) ListSecurityEvents(ctx context.Context, limit int) ([]types.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, sequence_id, credential_id, device_id, detail, created_at_ms
FROM security_events
ORDER BY created_at_ms DESC, sequence_id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListSecurityEvents: %w", err)
	}
	defer rows.Close()

	var out []types.SecurityEvent
	for rows.Next() {
		var (
			se        types.SecurityEvent
			kind      string
			seq       sql.NullInt64
			cred      sql.NullString
			dev       sql.NullString
			detail    sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&se.ID, &kind, &seq, &cred, &dev, &detail, &createdMs); err != nil {
			return nil, fmt.Errorf("ListSecurityEvents scan: %w", err)
		}
		se.Kind = types.SecurityEventKind(kind)
		se.SequenceID = seq.Int64
		se.CredentialID = cred.String
		se.DeviceID = dev.String
		se.Detail = detail.String
		se.CreatedAt = fromMs(createdMs)
		out = append(out, se)
	}
	return out, rows.Err()
}
