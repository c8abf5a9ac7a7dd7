package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// ScanCommit is everything that results from processing one ledger entry.
// Stores apply it atomically: the processing marker is written if and only
// if the rest is.
type ScanCommit struct {
	Entry       types.LedgerEntry
	Outcome     types.ProcessingOutcome
	ProcessedAt time.Time

	Event    *types.AttendanceEvent // derived or duplicate copy
	Mark     *ledger.DedupMark      // set when the scan opened a new window
	Security *types.SecurityEvent
}

type EventQuery struct {
	EmployeeID string
	From, To   time.Time // To is exclusive; zero values are unbounded
	// IncludeDeduplicated also returns the retained duplicate copies.
	IncludeDeduplicated bool
	Limit               int
}

type AttendanceStore interface {
	DedupMark(ctx context.Context, key ledger.DedupKey) (ledger.DedupMark, bool, error)
	// CommitScan returns false without writing anything when the entry
	// already has a processing marker.
	CommitScan(ctx context.Context, c ScanCommit) (bool, error)
	ListEvents(ctx context.Context, q EventQuery) ([]types.AttendanceEvent, error)
	// PurgeDeduplicated deletes duplicate copies created before cutoff and
	// dedup marks whose scan is older than cutoff.  Non-deduplicated events
	// are never touched.
	PurgeDeduplicated(ctx context.Context, cutoff time.Time) (events, marks int64, err error)
	ListSecurityEvents(ctx context.Context, limit int) ([]types.SecurityEvent, error)
}
