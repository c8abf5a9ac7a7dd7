package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type LedgerQuery struct {
	AfterSequence int64
	DeviceID      string
	CredentialID  string
	Processed     *bool
	Limit         int
}

// LedgerStore is read access to the gateway-owned scan ledger.  Processing
// state is joined in from the core's own table; ledger rows are never
// written through this interface.
type LedgerStore interface {
	// ListAfter returns up to limit entries with sequence_id > after in
	// ascending order.
	ListAfter(ctx context.Context, after int64, limit int) ([]types.LedgerEntry, error)
	// ListUnprocessed returns entries in (after, through] that have no
	// processing marker, ascending.
	ListUnprocessed(ctx context.Context, after, through int64, limit int) ([]types.LedgerEntry, error)
	Get(ctx context.Context, sequenceID int64) (types.LedgerEntry, error)
	Query(ctx context.Context, q LedgerQuery) ([]types.LedgerEntry, error)
	// LastScanByDevice returns the newest scan_timestamp per device_id.
	LastScanByDevice(ctx context.Context) (map[string]time.Time, error)
}
