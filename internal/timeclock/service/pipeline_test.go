package service_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger/ledgertest"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// issueFive badges CARD-0001..CARD-0005 to EMP-1..EMP-5.
func issueFive(t *testing.T, h *harness) {
	t.Helper()
	for i := 1; i <= 5; i++ {
		h.issue(t, fmt.Sprintf("EMP-%d", i), fmt.Sprintf("CARD-%04d", i))
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Verification and derivation
// ═══════════════════════════════════════════════════════════════════════════

func TestPipeline_ValidChainDerivesEverything(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	h.append(t, b.Scans(5, "door-lobby", t0)...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Halted)
	assert.Equal(t, 5, rep.Verified)
	assert.Equal(t, int64(5), rep.ChainCheckpoint)
	assert.Equal(t, 5, rep.Derive.Derived)
	assert.True(t, h.health.Serving())

	evs := h.events(t, false)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, eventSeqs(evs))
	assert.Equal(t, "EMP-1", evs[0].EmployeeID)

	badge, err := h.badges.Get(context.Background(), "CARD-0001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), badge.UsageCount)
	require.NotNil(t, badge.LastUsedAt)
	assert.True(t, badge.LastUsedAt.Equal(t0))

	cp, err := h.mem.Chain().LoadCheckpoint(context.Background(), types.CheckpointChain)
	require.NoError(t, err)
	assert.Equal(t, b.Entries[4].HashChain, cp.Hash)
}

func TestPipeline_IncrementalCycles(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	entries := b.Scans(5, "door-lobby", t0)

	h.append(t, entries[:3]...)
	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Verified)

	h.append(t, entries[3:]...)
	rep, err = h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Verified)
	assert.Equal(t, 2, rep.Derive.Derived)

	rep, err = h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Verified)
	assert.Zero(t, rep.Derive.Processed)
	assert.Len(t, h.events(t, false), 5)
}

// ═══════════════════════════════════════════════════════════════════════════
// Chain breaks
// ═══════════════════════════════════════════════════════════════════════════

// tamperedChain appends entries 1..5 with the payload of 3 edited after
// hashing.
func tamperedChain(t *testing.T, h *harness) []types.LedgerEntry {
	t.Helper()
	b := ledgertest.NewBuilder()
	entries := b.Scans(5, "door-lobby", t0)
	stored := append([]types.LedgerEntry(nil), entries...)
	stored[2] = ledgertest.Tamper(entries[2])
	h.append(t, stored...)
	return entries
}

func TestPipeline_MutatedEntryHaltsProcessing(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	tamperedChain(t, h)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Halted)
	require.NotNil(t, rep.Violation)
	assert.Equal(t, int64(3), rep.Violation.SequenceID)
	assert.Contains(t, rep.Violation.Reason, "hash_mismatch")
	assert.Equal(t, int64(2), rep.ChainCheckpoint)
	assert.Equal(t, []int64{1, 2}, eventSeqs(h.events(t, false)))
	assert.False(t, h.health.Serving())
	assert.Contains(t, h.rec.Kinds(), notify.KindChainViolation)

	// Nothing past the break is read while the violation is open.
	rep, err = h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Halted)
	assert.Zero(t, rep.Verified)
	assert.Equal(t, []int64{1, 2}, eventSeqs(h.events(t, false)))

	all, err := h.mem.Chain().ListViolations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPipeline_ReanchorSkipsQuarantinedEntry(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	entries := tamperedChain(t, h)

	_, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	res, err := h.pipeline.ResolveChainBreak(context.Background(), 3, types.ResolutionReanchor, "security@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, int64(3), res.Checkpoint.SequenceID)
	assert.Equal(t, entries[2].HashChain, res.Checkpoint.Hash)
	assert.True(t, h.health.Serving())
	assert.Contains(t, h.rec.Kinds(), notify.KindChainResolved)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Halted)
	assert.Equal(t, 2, rep.Verified)
	assert.Equal(t, []int64{1, 2, 4, 5}, eventSeqs(h.events(t, false)))

	outcome, ok := h.mem.Attendance().Outcome(3)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeRejected, outcome)

	open, err := h.mem.Chain().OpenViolations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPipeline_RetryRedetectsUnrepairedBreak(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	tamperedChain(t, h)

	_, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)

	res, err := h.pipeline.ResolveChainBreak(context.Background(), 3, types.ResolutionRetry, "ops")
	require.NoError(t, err)
	assert.Zero(t, res.Rejected)
	assert.Equal(t, int64(2), res.Checkpoint.SequenceID)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Halted)
	require.NotNil(t, rep.Violation)
	assert.Equal(t, int64(3), rep.Violation.SequenceID)

	all, err := h.mem.Chain().ListViolations(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPipeline_ResolveRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.ResolveChainBreak(ctx, 3, types.ResolutionRetry, "ops")
	assert.ErrorIs(t, err, service.ErrNoOpenViolation)

	tamperedChain(t, h)
	_, err = h.pipeline.RunOnce(ctx)
	require.NoError(t, err)

	_, err = h.pipeline.ResolveChainBreak(ctx, 4, types.ResolutionRetry, "ops")
	assert.ErrorIs(t, err, service.ErrViolationMismatch)

	_, err = h.pipeline.ResolveChainBreak(ctx, 3, types.Resolution("ignore"), "ops")
	assert.ErrorIs(t, err, service.ErrInvalidResolution)

	_, err = service.ParseResolution(" ReAnchor ")
	assert.NoError(t, err)
	_, err = service.ParseResolution("skip")
	assert.ErrorIs(t, err, service.ErrInvalidResolution)
}

// ═══════════════════════════════════════════════════════════════════════════
// Deduplication
// ═══════════════════════════════════════════════════════════════════════════

func TestPipeline_DedupWindowFromAcceptedScan(t *testing.T) {
	h := newHarness(t)
	h.issue(t, "EMP-1", "CARD-0001")
	b := ledgertest.NewBuilder()
	for _, off := range []time.Duration{0, 10 * time.Second, 20 * time.Second} {
		b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(off)})
	}
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Derive.Derived)
	assert.Equal(t, 1, rep.Derive.Duplicates)

	assert.Equal(t, []int64{1, 3}, eventSeqs(h.events(t, false)))
	all := h.events(t, true)
	require.Len(t, all, 3)
	assert.True(t, all[1].IsDeduplicated)
	assert.Equal(t, "EMP-1", all[1].EmployeeID)

	badge, err := h.badges.Get(context.Background(), "CARD-0001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), badge.UsageCount)

	sec, err := h.mem.Attendance().ListSecurityEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, sec)
}

func TestPipeline_DifferentEventTypesAreNotDuplicates(t *testing.T) {
	h := newHarness(t)
	h.issue(t, "EMP-1", "CARD-0001")
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventBreakStart, At: t0.Add(5 * time.Second)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Derive.Derived)
}

func TestPipeline_CrossDeviceDuplicateIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.issue(t, "EMP-1", "CARD-0001")
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-dock", EventType: types.EventTimeIn, At: t0.Add(5 * time.Second)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Derive.Derived)
	assert.Equal(t, 1, rep.Derive.Duplicates)

	sec, err := h.mem.Attendance().ListSecurityEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sec, 1)
	assert.Equal(t, types.SecurityMultiDeviceScan, sec[0].Kind)
	assert.Equal(t, int64(2), sec[0].SequenceID)
	assert.Contains(t, sec[0].Detail, "door-lobby")
	assert.Equal(t, []string{notify.KindMultiDeviceScan}, h.rec.Kinds())
}

// ═══════════════════════════════════════════════════════════════════════════
// Unrecognized credentials and signatures
// ═══════════════════════════════════════════════════════════════════════════

func TestPipeline_UnrecognizedCredentialIsSecurityEventOnly(t *testing.T) {
	h := newHarness(t)
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "DEADBEEF", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.Add(ledgertest.Scan{CredentialID: "DEADBEEF", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(3 * time.Second)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Derive.Unrecognized)
	assert.Equal(t, 1, rep.Derive.Duplicates)
	assert.Empty(t, h.events(t, false))

	outcome, ok := h.mem.Attendance().Outcome(1)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeUnrecognized, outcome)

	sec, err := h.mem.Attendance().ListSecurityEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sec, 1)
	assert.Equal(t, types.SecurityUnrecognizedCredential, sec[0].Kind)
	assert.Equal(t, []string{notify.KindUnrecognizedCredential}, h.rec.Kinds())
}

func TestPipeline_ExpiredBadgeIsUnrecognized(t *testing.T) {
	h := newHarness(t)
	exp := t0.Add(time.Hour)
	_, err := h.badges.Issue(context.Background(), service.IssueRequest{
		EmployeeID: "EMP-9", CardUID: "TEMP-1", CardType: types.CardTemporary, ExpiresAt: &exp,
	})
	require.NoError(t, err)

	h.clock.Set(t0.Add(2 * time.Hour))
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "TEMP-1", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(2 * time.Hour)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Derive.Unrecognized)

	badge, err := h.badges.Get(context.Background(), "TEMP-1")
	require.NoError(t, err)
	assert.Zero(t, badge.UsageCount)
}

func newKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestPipeline_DeviceSignatures(t *testing.T) {
	h := newHarness(t)
	h.issue(t, "EMP-1", "CARD-0001")
	h.issue(t, "EMP-2", "CARD-0002")

	pub, priv := newKey(t)
	_, wrong := newKey(t)
	_, err := h.registry.Register(context.Background(), service.RegisterRequest{DeviceID: "door-lobby", PublicKey: pub})
	require.NoError(t, err)

	b := ledgertest.NewBuilder()
	b.SignAs("door-lobby", priv)
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.SignAs("door-lobby", wrong)
	b.Add(ledgertest.Scan{CredentialID: "CARD-0002", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(time.Minute)})
	// door-side has no key and sends unsigned scans.
	b.Add(ledgertest.Scan{CredentialID: "CARD-0002", DeviceID: "door-side", EventType: types.EventTimeOut, At: t0.Add(2 * time.Minute)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Halted, "a bad signature must not break the chain")
	assert.Equal(t, 2, rep.Derive.Derived)
	assert.Equal(t, 1, rep.Derive.Rejected)

	outcome, ok := h.mem.Attendance().Outcome(2)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeRejected, outcome)

	sec, err := h.mem.Attendance().ListSecurityEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sec, 1)
	assert.Equal(t, types.SecurityInvalidSignature, sec[0].Kind)
	assert.Equal(t, []string{notify.KindInvalidSignature}, h.rec.Kinds())
}

func TestPipeline_UnsupportedIdentityShapeIsRejectedPerEntry(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	b.Add(ledgertest.Scan{CredentialID: "CARD-0001", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0})
	b.Add(ledgertest.Scan{
		CredentialID: "CARD-0002", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(time.Minute),
		Extra: map[string]any{"credential_id": 2},
	})
	b.Add(ledgertest.Scan{
		CredentialID: "CARD-0003", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(2 * time.Minute),
		Extra: map[string]any{"scan_timestamp": "2026-03-02 08:02:00"},
	})
	b.Add(ledgertest.Scan{CredentialID: "CARD-0004", DeviceID: "door-lobby", EventType: types.EventTimeIn, At: t0.Add(3 * time.Minute)})
	h.append(t, b.Entries...)

	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Halted)
	assert.Equal(t, 4, rep.Verified)
	assert.Equal(t, 2, rep.Derive.Derived)
	assert.Equal(t, 2, rep.Derive.Rejected)
	assert.Equal(t, []int64{1, 4}, eventSeqs(h.events(t, false)))

	for _, seq := range []int64{2, 3} {
		outcome, ok := h.mem.Attendance().Outcome(seq)
		require.True(t, ok)
		assert.Equal(t, types.OutcomeRejected, outcome, "sequence %d", seq)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Exactly-once across restarts
// ═══════════════════════════════════════════════════════════════════════════

// crashingStore fails CommitScan once `after` commits have gone through.
type crashingStore struct {
	store.AttendanceStore
	after int
	n     int
}

var errCrash = errors.New("simulated crash")

func (c *crashingStore) CommitScan(ctx context.Context, sc store.ScanCommit) (bool, error) {
	if c.n >= c.after {
		return false, errCrash
	}
	c.n++
	return c.AttendanceStore.CommitScan(ctx, sc)
}

func TestPipeline_DerivationIsExactlyOnceAcrossCrash(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	h.append(t, b.Scans(5, "door-lobby", t0)...)

	h.rebuildWith(&crashingStore{AttendanceStore: h.mem.Attendance(), after: 3})
	_, err := h.pipeline.RunOnce(context.Background())
	require.ErrorIs(t, err, errCrash)
	assert.Equal(t, []int64{1, 2, 3}, eventSeqs(h.events(t, false)))

	h.rebuild()
	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Derive.Derived)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, eventSeqs(h.events(t, false)))

	for i := 1; i <= 5; i++ {
		badge, err := h.badges.Get(context.Background(), fmt.Sprintf("CARD-%04d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(1), badge.UsageCount, "CARD-%04d", i)
	}

	rep, err = h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Derive.Processed)
}

// lostAfterCommitStore commits the scan at sequence crashAt and then fails,
// as if the process died before anything after the commit ran.
type lostAfterCommitStore struct {
	store.AttendanceStore
	crashAt int64
}

func (c *lostAfterCommitStore) CommitScan(ctx context.Context, sc store.ScanCommit) (bool, error) {
	ok, err := c.AttendanceStore.CommitScan(ctx, sc)
	if err != nil || sc.Entry.SequenceID != c.crashAt {
		return ok, err
	}
	return ok, errCrash
}

func TestPipeline_UsageCountAfterCrashBetweenCommitAndUsage(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	h.append(t, b.Scans(5, "door-lobby", t0)...)

	h.rebuildWith(&lostAfterCommitStore{AttendanceStore: h.mem.Attendance(), crashAt: 3})
	_, err := h.pipeline.RunOnce(context.Background())
	require.ErrorIs(t, err, errCrash)

	h.rebuild()
	rep, err := h.pipeline.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Derive.Derived)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, eventSeqs(h.events(t, false)))

	// The event for sequence 3 is kept exactly once; its usage increment
	// is lost with the crash and is not replayed.
	want := map[string]int64{"CARD-0001": 1, "CARD-0002": 1, "CARD-0003": 0, "CARD-0004": 1, "CARD-0005": 1}
	for card, n := range want {
		badge, err := h.badges.Get(context.Background(), card)
		require.NoError(t, err)
		assert.Equal(t, n, badge.UsageCount, card)
	}
}

func TestPipeline_CancelledContextStopsBetweenEntries(t *testing.T) {
	h := newHarness(t)
	issueFive(t, h)
	b := ledgertest.NewBuilder()
	h.append(t, b.Scans(5, "door-lobby", t0)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.deriver.Run(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.events(t, false))

	rep, err := h.deriver.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Derived)
}
