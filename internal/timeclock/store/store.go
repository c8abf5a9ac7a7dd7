package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint would be broken.
	ErrConflict = errors.New("conflict")
)

type HeartbeatRecord struct {
	ReceivedAt time.Time
	Request    types.HeartbeatRequest
}

type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, deviceID string, rec HeartbeatRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type CheckpointStore interface {
	// LoadCheckpoint returns the zero checkpoint (with Name set) when none
	// has been saved yet.
	LoadCheckpoint(ctx context.Context, name string) (types.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error
}

type QuarantineStore interface {
	// RecordViolation is idempotent for an open violation at the same
	// sequence id.
	RecordViolation(ctx context.Context, v types.ChainViolation) error
	OpenViolations(ctx context.Context) ([]types.ChainViolation, error)
	ListViolations(ctx context.Context, limit int) ([]types.ChainViolation, error)
	// ResolveViolations closes every open violation and, when cp is non-nil,
	// moves the chain checkpoint in the same transaction.
	ResolveViolations(ctx context.Context, res types.Resolution, by string, at time.Time, cp *types.Checkpoint) (int64, error)
}
