package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// ChainStore holds the verifier checkpoint and the chain-break quarantine.
type ChainStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewChainStore(db *sql.DB, writer *dbpkg.Worker) *ChainStore {
	return &ChainStore{db: db, writer: writer}
}

func (s *ChainStore) LoadCheckpoint(ctx context.Context, name string) (types.Checkpoint, error) {
	cp := types.Checkpoint{Name: name}
	var (
		hash      sql.NullString
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT sequence_id, hash, updated_at_ms FROM checkpoints WHERE name = ?;
`, name).Scan(&cp.SequenceID, &hash, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("LoadCheckpoint %s: %w", name, err)
	}
	cp.Hash = hash.String
	cp.UpdatedAt = fromMs(updatedMs)
	return cp, nil
}

func (s *ChainStore) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return saveCheckpoint(ctx, tx, cp)
	})
}

func saveCheckpoint(ctx context.Context, tx *sql.Tx, cp types.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(name, sequence_id, hash, updated_at_ms)
VALUES (?, ?, NULLIF(?, ''), ?)
ON CONFLICT(name) DO UPDATE SET
  sequence_id   = excluded.sequence_id,
  hash          = excluded.hash,
  updated_at_ms = excluded.updated_at_ms;
`, cp.Name, cp.SequenceID, cp.Hash, cp.UpdatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("SaveCheckpoint %s: %w", cp.Name, err)
	}
	return nil
}

func (s *ChainStore) RecordViolation(ctx context.Context, v types.ChainViolation) error {
	if v.DetectedAt.IsZero() {
		v.DetectedAt = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chain_violations(sequence_id, reason, expected_hash, stored_hash, detected_at_ms)
VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
ON CONFLICT(sequence_id) WHERE resolved_at_ms IS NULL DO NOTHING;
`, v.SequenceID, v.Reason, v.ExpectedHash, v.StoredHash, v.DetectedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("RecordViolation: %w", err)
		}
		return nil
	})
}

const violationSelect = `
SELECT sequence_id, reason, expected_hash, stored_hash, detected_at_ms,
       resolved_at_ms, resolved_by, resolution
FROM chain_violations`

func (s *ChainStore) listViolations(ctx context.Context, query string, args ...any) ([]types.ChainViolation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ChainViolation
	for rows.Next() {
		var (
			v          types.ChainViolation
			expected   sql.NullString
			stored     sql.NullString
			detectedMs int64
			resolvedMs sql.NullInt64
			resolvedBy sql.NullString
			resolution sql.NullString
		)
		if err := rows.Scan(&v.SequenceID, &v.Reason, &expected, &stored, &detectedMs,
			&resolvedMs, &resolvedBy, &resolution); err != nil {
			return nil, err
		}
		v.ExpectedHash = expected.String
		v.StoredHash = stored.String
		v.DetectedAt = fromMs(detectedMs)
		v.ResolvedAt = nullTime(resolvedMs)
		v.ResolvedBy = resolvedBy.String
		if resolution.Valid {
			r := types.Resolution(resolution.String)
			v.Resolution = &r
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *ChainStore) OpenViolations(ctx context.Context) ([]types.ChainViolation, error) {
	out, err := s.listViolations(ctx, violationSelect+`
WHERE resolved_at_ms IS NULL
ORDER BY sequence_id;`)
	if err != nil {
		return nil, fmt.Errorf("OpenViolations: %w", err)
	}
	return out, nil
}

func (s *ChainStore) ListViolations(ctx context.Context, limit int) ([]types.ChainViolation, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.listViolations(ctx, violationSelect+`
ORDER BY id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListViolations: %w", err)
	}
	return out, nil
}

func (s *ChainStore) ResolveViolations(ctx context.Context, res types.Resolution, by string, at time.Time, cp *types.Checkpoint) (int64, error) {
	var resolved int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
UPDATE chain_violations
SET resolved_at_ms = ?, resolved_by = ?, resolution = ?
WHERE resolved_at_ms IS NULL;
`, at.UTC().UnixMilli(), by, string(res))
		if err != nil {
			return fmt.Errorf("ResolveViolations: %w", err)
		}
		resolved, _ = r.RowsAffected()
		if cp != nil {
			return saveCheckpoint(ctx, tx, *cp)
		}
		return nil
	})
	return resolved, err
}
