package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// LedgerStore reads the gateway's rfid_ledger table.  It has no write path.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

const ledgerSelect = `
SELECT l.sequence_id, l.credential_id, l.device_id, l.scan_timestamp_ms, l.event_type,
       l.payload, l.hash_chain, l.hash_previous, l.device_signature, p.processed_at_ms
FROM rfid_ledger l
LEFT JOIN ledger_processing p ON p.sequence_id = l.sequence_id`

func scanLedgerEntry(row scanner) (types.LedgerEntry, error) {
	var (
		e           types.LedgerEntry
		scanMs      int64
		eventType   string
		payload     string
		prev        sql.NullString
		sig         sql.NullString
		processedMs sql.NullInt64
	)
	if err := row.Scan(
		&e.SequenceID, &e.CredentialID, &e.DeviceID, &scanMs, &eventType,
		&payload, &e.HashChain, &prev, &sig, &processedMs,
	); err != nil {
		return types.LedgerEntry{}, err
	}
	e.ScanTimestamp = fromMs(scanMs)
	e.EventType = types.EventType(eventType)
	e.Payload = []byte(payload)
	e.HashPrevious = prev.String
	e.DeviceSignature = sig.String
	e.ProcessedAt = nullTime(processedMs)
	e.Processed = e.ProcessedAt != nil
	return e, nil
}

func (s *LedgerStore) list(ctx context.Context, query string, args ...any) ([]types.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LedgerStore) ListAfter(ctx context.Context, after int64, limit int) ([]types.LedgerEntry, error) {
	out, err := s.list(ctx, ledgerSelect+`
WHERE l.sequence_id > ?
ORDER BY l.sequence_id
LIMIT ?;`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("ListAfter: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) ListUnprocessed(ctx context.Context, after, through int64, limit int) ([]types.LedgerEntry, error) {
	out, err := s.list(ctx, ledgerSelect+`
WHERE l.sequence_id > ? AND l.sequence_id <= ? AND p.sequence_id IS NULL
ORDER BY l.sequence_id
LIMIT ?;`, after, through, limit)
	if err != nil {
		return nil, fmt.Errorf("ListUnprocessed: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) Get(ctx context.Context, sequenceID int64) (types.LedgerEntry, error) {
	e, err := scanLedgerEntry(s.db.QueryRowContext(ctx, ledgerSelect+`
WHERE l.sequence_id = ?;`, sequenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.LedgerEntry{}, store.ErrNotFound
	}
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("Get ledger entry %d: %w", sequenceID, err)
	}
	return e, nil
}

func (s *LedgerStore) Query(ctx context.Context, q store.LedgerQuery) ([]types.LedgerEntry, error) {
	var (
		where = []string{"l.sequence_id > ?"}
		args  = []any{q.AfterSequence}
	)
	if q.DeviceID != "" {
		where = append(where, "l.device_id = ?")
		args = append(args, q.DeviceID)
	}
	if q.CredentialID != "" {
		where = append(where, "l.credential_id = ?")
		args = append(args, q.CredentialID)
	}
	if q.Processed != nil {
		if *q.Processed {
			where = append(where, "p.sequence_id IS NOT NULL")
		} else {
			where = append(where, "p.sequence_id IS NULL")
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	out, err := s.list(ctx, ledgerSelect+"\nWHERE "+strings.Join(where, " AND ")+"\nORDER BY l.sequence_id\nLIMIT ?;", args...)
	if err != nil {
		return nil, fmt.Errorf("Query ledger: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) LastScanByDevice(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, MAX(scan_timestamp_ms)
FROM rfid_ledger
GROUP BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("LastScanByDevice: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("LastScanByDevice scan: %w", err)
		}
		out[id] = fromMs(ms)
	}
	return out, rows.Err()
}
