package service_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/logging"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger/ledgertest"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store/memory"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fakeClock is a settable time source shared by every service in a harness.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeHealth struct {
	mu      sync.Mutex
	serving *bool
}

func (h *fakeHealth) SetServing(s bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = &s
}

// Serving reports the last value set; false until SetServing was called.
func (h *fakeHealth) Serving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving != nil && *h.serving
}

// harness wires the ledger pipeline over the memory store.
type harness struct {
	mem      *memory.Store
	clock    *fakeClock
	rec      *notify.Recorder
	health   *fakeHealth
	metrics  *metrics.Metrics
	badges   *service.BadgeService
	registry *service.DeviceRegistry
	deriver  *service.Deriver
	pipeline *service.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		mem:     memory.New(),
		clock:   &fakeClock{now: t0},
		rec:     &notify.Recorder{},
		health:  &fakeHealth{},
		metrics: metrics.New(),
	}
	h.rebuild()
	return h
}

// rebuild replaces every service while keeping the stores, which is what a
// process restart looks like.
func (h *harness) rebuild() {
	h.rebuildWith(h.mem.Attendance())
}

func (h *harness) rebuildWith(as store.AttendanceStore) {
	log := logging.Discard()
	h.badges = service.NewBadgeService(h.mem.Badges(), log, h.metrics)
	h.badges.SetClock(h.clock.Now)
	h.registry = service.NewDeviceRegistry(h.mem.Devices(), log)
	h.deriver = service.NewDeriver(h.mem.Ledger(), as, h.mem.Chain(), h.mem.Devices(),
		h.badges, h.rec, log, h.metrics, service.DeriverConfig{})
	h.deriver.SetClock(h.clock.Now)
	h.pipeline = service.NewPipeline(h.mem.Ledger(), h.mem.Chain(), as, h.deriver,
		h.health, h.rec, log, h.metrics, service.PipelineConfig{BatchSize: 2})
	h.pipeline.SetClock(h.clock.Now)
}

func (h *harness) append(t *testing.T, entries ...types.LedgerEntry) {
	t.Helper()
	require.NoError(t, h.mem.Ledger().Append(entries...))
}

func (h *harness) issue(t *testing.T, employeeID, cardUID string) types.Badge {
	t.Helper()
	b, err := h.badges.Issue(context.Background(), service.IssueRequest{
		EmployeeID: employeeID,
		CardUID:    cardUID,
		Actor:      "hr@example.com",
	})
	require.NoError(t, err)
	return b
}

func (h *harness) events(t *testing.T, includeDup bool) []types.AttendanceEvent {
	t.Helper()
	evs, err := h.mem.Attendance().ListEvents(context.Background(), store.EventQuery{IncludeDeduplicated: includeDup})
	require.NoError(t, err)
	return evs
}

func eventSeqs(evs []types.AttendanceEvent) []int64 {
	out := make([]int64, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.LedgerSequenceID)
	}
	return out
}

// openTestDB returns a migrated in-memory SQLite connection and its writer.
func openTestDB(t *testing.T) (*sql.DB, *db.Worker) {
	t.Helper()

	name := "svc_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := sql.Open("sqlite", db.MemoryDSN(name))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	require.NoError(t, db.Migrate(context.Background(), conn))

	w := db.NewWorker(conn)
	t.Cleanup(func() {
		w.Close()
		conn.Close()
	})
	return conn, w
}

// insertLedger writes entries straight into rfid_ledger, the way the
// gateway does.
func insertLedger(t *testing.T, conn *sql.DB, entries ...types.LedgerEntry) {
	t.Helper()

	for _, e := range entries {
		var prev, sig any
		if e.HashPrevious != "" {
			prev = e.HashPrevious
		}
		if e.DeviceSignature != "" {
			sig = e.DeviceSignature
		}
		_, err := conn.ExecContext(context.Background(), `
INSERT INTO rfid_ledger(
  sequence_id, credential_id, device_id, scan_timestamp_ms, event_type,
  payload, hash_chain, hash_previous, device_signature, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			e.SequenceID, e.CredentialID, e.DeviceID, e.ScanTimestamp.UnixMilli(), string(e.EventType),
			string(e.Payload), e.HashChain, prev, sig, e.ScanTimestamp.UnixMilli())
		require.NoError(t, err, "insert ledger %d", e.SequenceID)
	}
}

// newDupChain is one accepted time_in at t0 and its duplicate at t0+5s.
func newDupChain() []types.LedgerEntry {
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(5 * time.Second)})
	return b.Entries
}
