package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// BadgeTx is the view of badge storage inside one serialized transaction.
// The lifecycle rules live in the service; stores only guarantee that a
// BadgeTx is never interleaved with another writer.
type BadgeTx interface {
	Get(ctx context.Context, cardUID string) (types.Badge, bool, error)
	ActiveForEmployee(ctx context.Context, employeeID string) (types.Badge, bool, error)
	ListExpiring(ctx context.Context, at time.Time) ([]types.Badge, error)
	Insert(ctx context.Context, b types.Badge) error
	Update(ctx context.Context, b types.Badge) error
	AppendLog(ctx context.Context, l types.BadgeIssueLog) error
}

type BadgeStore interface {
	// Mutate runs fn in a single transaction; any error rolls back all of
	// fn's writes.
	Mutate(ctx context.Context, fn func(ctx context.Context, tx BadgeTx) error) error

	Get(ctx context.Context, cardUID string) (types.Badge, error)
	// ActiveByCard returns ErrNotFound unless the card is currently active.
	ActiveByCard(ctx context.Context, cardUID string) (types.Badge, error)
	ActiveForEmployee(ctx context.Context, employeeID string) (types.Badge, error)
	ListByEmployee(ctx context.Context, employeeID string) ([]types.Badge, error)
	History(ctx context.Context, cardUID string) ([]types.BadgeIssueLog, error)
	// RecordUsage bumps usage_count and last_used_at of an active badge;
	// ErrNotFound when the card is not active.
	RecordUsage(ctx context.Context, cardUID string, at time.Time) error
}
