// Package memory implements every timeclock store on plain maps guarded by
// a single RWMutex.  It is intended for tests and dev environments.
package memory

import (
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type processing struct {
	outcome types.ProcessingOutcome
	at      time.Time
}

type heartbeat struct {
	deviceID string
	rec      store.HeartbeatRecord
}

// Store holds all state.  The typed views returned by Ledger, Chain,
// Attendance, Badges, Devices and Heartbeats share it, so a write through
// one view is immediately visible through the others.
type Store struct {
	mu sync.RWMutex

	ledger      []types.LedgerEntry // ascending sequence_id
	processing  map[int64]processing
	checkpoints map[string]types.Checkpoint
	violations  []types.ChainViolation

	events   []types.AttendanceEvent
	marks    map[ledger.DedupKey]ledger.DedupMark
	security []types.SecurityEvent

	badges   map[string]types.Badge
	badgeLog []types.BadgeIssueLog

	devices    map[string]types.Device
	alerts     map[string]types.DeviceAlertState
	heartbeats []heartbeat
}

func New() *Store {
	return &Store{
		processing:  make(map[int64]processing),
		checkpoints: make(map[string]types.Checkpoint),
		marks:       make(map[ledger.DedupKey]ledger.DedupMark),
		badges:      make(map[string]types.Badge),
		devices:     make(map[string]types.Device),
		alerts:      make(map[string]types.DeviceAlertState),
	}
}

func (s *Store) Ledger() *LedgerStore         { return &LedgerStore{s: s} }
func (s *Store) Chain() *ChainStore           { return &ChainStore{s: s} }
func (s *Store) Attendance() *AttendanceStore { return &AttendanceStore{s: s} }
func (s *Store) Badges() *BadgeStore          { return &BadgeStore{s: s} }
func (s *Store) Devices() *DeviceStore        { return &DeviceStore{s: s} }
func (s *Store) Heartbeats() *HeartbeatStore  { return &HeartbeatStore{s: s} }

var (
	_ store.LedgerStore     = (*LedgerStore)(nil)
	_ store.CheckpointStore = (*ChainStore)(nil)
	_ store.QuarantineStore = (*ChainStore)(nil)
	_ store.AttendanceStore = (*AttendanceStore)(nil)
	_ store.BadgeStore      = (*BadgeStore)(nil)
	_ store.DeviceStore     = (*DeviceStore)(nil)
	_ store.HeartbeatStore  = (*HeartbeatStore)(nil)
)

func timePtr(t time.Time) *time.Time { return &t }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}
