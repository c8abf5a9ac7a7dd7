package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const defaultVerifyBatch = 500

// ChainStore is the verifier checkpoint plus the quarantine table.
type ChainStore interface {
	store.CheckpointStore
	store.QuarantineStore
}

// HealthReporter is told whether the ledger pipeline is serving.  The gRPC
// health server implements it.
type HealthReporter interface {
	SetServing(serving bool)
}

type PipelineConfig struct {
	BatchSize     int
	NotifyTimeout time.Duration
}

type CycleReport struct {
	StartedAt       time.Time             `json:"started_at"`
	Duration        time.Duration         `json:"duration_ns"`
	Halted          bool                  `json:"halted"`
	Violation       *types.ChainViolation `json:"violation,omitempty"`
	Verified        int                   `json:"verified"`
	ChainCheckpoint int64                 `json:"chain_checkpoint"`
	Derive          DeriveReport          `json:"derive"`
}

type ResolveReport struct {
	SequenceID int64            `json:"sequence_id"`
	Resolution types.Resolution `json:"resolution"`
	Rejected   int              `json:"rejected"`
	Checkpoint types.Checkpoint `json:"checkpoint"`
}

// Pipeline runs one verify-then-derive cycle at a time.  The persisted chain
// checkpoint is the only verifier state; every cycle starts from it.
type Pipeline struct {
	mu sync.Mutex

	ledger     store.LedgerStore
	chain      ChainStore
	attendance store.AttendanceStore
	deriver    *Deriver
	health     HealthReporter
	notifier   notify.Dispatcher
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	cfg        PipelineConfig
	now        Clock
}

func NewPipeline(
	ls store.LedgerStore,
	cs ChainStore,
	as store.AttendanceStore,
	deriver *Deriver,
	health HealthReporter,
	notifier notify.Dispatcher,
	log logrus.FieldLogger,
	m *metrics.Metrics,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultVerifyBatch
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = notify.DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		ledger:     ls,
		chain:      cs,
		attendance: as,
		deriver:    deriver,
		health:     health,
		notifier:   notifier,
		log:        log,
		metrics:    m,
		cfg:        cfg,
		now:        systemClock,
	}
}

// SetClock replaces the time source.  Tests only.
func (p *Pipeline) SetClock(now Clock) { p.now = now }

func (p *Pipeline) setServing(serving bool) {
	if serving {
		p.metrics.ChainHalted.Set(0)
	} else {
		p.metrics.ChainHalted.Set(1)
	}
	if p.health != nil {
		p.health.SetServing(serving)
	}
}

// RunOnce verifies new ledger entries from the chain checkpoint and derives
// attendance for everything verified.  While a violation is open nothing
// past the checkpoint is read, but already-verified entries still derive.
func (p *Pipeline) RunOnce(ctx context.Context) (rep CycleReport, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rep.StartedAt = p.now()
	start := time.Now()
	defer func() {
		rep.Duration = time.Since(start)
		p.metrics.PipelineDuration.Observe(rep.Duration.Seconds())
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case rep.Halted:
			result = "halted"
		}
		p.metrics.PipelineCycles.WithLabelValues(result).Inc()
	}()

	open, err := p.chain.OpenViolations(ctx)
	if err != nil {
		return rep, err
	}

	cp, err := p.chain.LoadCheckpoint(ctx, types.CheckpointChain)
	if err != nil {
		return rep, err
	}

	if len(open) > 0 {
		rep.Halted = true
		rep.Violation = &open[0]
	} else {
		cp, err = p.verify(ctx, cp, &rep)
		if err != nil {
			return rep, err
		}
	}
	rep.ChainCheckpoint = cp.SequenceID
	p.setServing(!rep.Halted)

	rep.Derive, err = p.deriver.Run(ctx, cp.SequenceID)
	if err != nil {
		return rep, err
	}

	if rep.Derive.Processed > 0 || rep.Verified > 0 {
		p.log.WithFields(logrus.Fields{
			"verified":     rep.Verified,
			"checkpoint":   rep.ChainCheckpoint,
			"derived":      rep.Derive.Derived,
			"duplicates":   rep.Derive.Duplicates,
			"unrecognized": rep.Derive.Unrecognized,
			"rejected":     rep.Derive.Rejected,
			"halted":       rep.Halted,
		}).Info("ledger cycle")
	}
	return rep, nil
}

func (p *Pipeline) verify(ctx context.Context, cp types.Checkpoint, rep *CycleReport) (types.Checkpoint, error) {
	v := ledger.NewVerifier(ledger.Anchor{SequenceID: cp.SequenceID, Hash: cp.Hash})
	for {
		batch, err := p.ledger.ListAfter(ctx, v.Anchor().SequenceID, p.cfg.BatchSize)
		if err != nil {
			return cp, err
		}
		if len(batch) == 0 {
			return cp, nil
		}

		res := v.Verify(batch)
		rep.Verified += len(res.Accepted)
		if res.Anchor.SequenceID != cp.SequenceID {
			cp = types.Checkpoint{
				Name:       types.CheckpointChain,
				SequenceID: res.Anchor.SequenceID,
				Hash:       res.Anchor.Hash,
				UpdatedAt:  p.now(),
			}
			if err := p.chain.SaveCheckpoint(ctx, cp); err != nil {
				return cp, err
			}
		}

		if brk := res.Break(); brk != nil {
			viol, err := p.quarantine(ctx, brk)
			if err != nil {
				return cp, err
			}
			rep.Halted = true
			rep.Violation = &viol
			return cp, nil
		}
		if len(batch) < p.cfg.BatchSize {
			return cp, nil
		}
	}
}

func (p *Pipeline) quarantine(ctx context.Context, brk *ledger.ViolationError) (types.ChainViolation, error) {
	reason := brk.Reason
	if brk.Detail != "" {
		reason += ": " + brk.Detail
	}
	v := types.ChainViolation{
		SequenceID:   brk.SequenceID,
		Reason:       reason,
		ExpectedHash: brk.Expected,
		StoredHash:   brk.Stored,
		DetectedAt:   p.now(),
	}
	if err := p.chain.RecordViolation(ctx, v); err != nil {
		return v, err
	}

	p.metrics.ChainViolations.Inc()
	p.log.WithFields(logrus.Fields{
		"sequence_id":   v.SequenceID,
		"reason":        brk.Reason,
		"expected_hash": v.ExpectedHash,
		"stored_hash":   v.StoredHash,
	}).WithError(brk).Error("ledger hash chain broken; processing halted")

	notify.Send(ctx, p.notifier, p.cfg.NotifyTimeout, p.log, notify.NewMessage(
		notify.KindChainViolation, notify.RoleSecurity, notify.SeverityCritical,
		fmt.Sprintf("Ledger chain broken at sequence %d (%s)", v.SequenceID, brk.Reason),
		map[string]any{
			"sequence_id":   v.SequenceID,
			"reason":        brk.Reason,
			"expected_hash": v.ExpectedHash,
			"stored_hash":   v.StoredHash,
		}))
	return v, nil
}

// ParseResolution accepts the operator spelling of a resolution.
func ParseResolution(s string) (types.Resolution, error) {
	switch r := types.Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case types.ResolutionRetry, types.ResolutionReanchor:
		return r, nil
	}
	return "", ErrInvalidResolution
}

// ResolveChainBreak closes the open violation at sequenceID.
//
// retry leaves the checkpoint alone so the next cycle re-verifies from it.
// reanchor marks every entry up to and including the broken one as
// rejected and moves the checkpoint to the broken entry's stored hash.
func (p *Pipeline) ResolveChainBreak(ctx context.Context, sequenceID int64, res types.Resolution, actor string) (ResolveReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rep := ResolveReport{SequenceID: sequenceID, Resolution: res}
	if res != types.ResolutionRetry && res != types.ResolutionReanchor {
		return rep, ErrInvalidResolution
	}
	actor = actorOr(actor)

	open, err := p.chain.OpenViolations(ctx)
	if err != nil {
		return rep, err
	}
	if len(open) == 0 {
		return rep, ErrNoOpenViolation
	}
	if open[0].SequenceID != sequenceID {
		return rep, ErrViolationMismatch
	}

	cp, err := p.chain.LoadCheckpoint(ctx, types.CheckpointChain)
	if err != nil {
		return rep, err
	}
	rep.Checkpoint = cp

	var newCP *types.Checkpoint
	if res == types.ResolutionReanchor {
		broken, err := p.ledger.Get(ctx, sequenceID)
		if errors.Is(err, store.ErrNotFound) {
			return rep, fmt.Errorf("reanchor at %d: ledger entry missing: %w", sequenceID, err)
		}
		if err != nil {
			return rep, err
		}
		rep.Rejected, err = p.rejectThrough(ctx, cp.SequenceID, sequenceID)
		if err != nil {
			return rep, err
		}
		newCP = &types.Checkpoint{
			Name:       types.CheckpointChain,
			SequenceID: broken.SequenceID,
			Hash:       broken.HashChain,
			UpdatedAt:  p.now(),
		}
		rep.Checkpoint = *newCP
	}

	if _, err := p.chain.ResolveViolations(ctx, res, actor, p.now(), newCP); err != nil {
		return rep, err
	}
	p.setServing(true)

	p.log.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"resolution":  res,
		"actor":       actor,
		"rejected":    rep.Rejected,
		"checkpoint":  rep.Checkpoint.SequenceID,
	}).Warn("chain violation resolved")

	notify.Send(ctx, p.notifier, p.cfg.NotifyTimeout, p.log, notify.NewMessage(
		notify.KindChainResolved, notify.RoleSecurity, notify.SeverityInfo,
		fmt.Sprintf("Ledger chain break at sequence %d resolved by %s (%s)", sequenceID, actor, res),
		map[string]any{
			"sequence_id": sequenceID,
			"resolution":  string(res),
			"actor":       actor,
			"rejected":    rep.Rejected,
		}))
	return rep, nil
}

// rejectThrough commits every entry in (after, through] as rejected so the
// deriver never turns quarantined scans into attendance.
func (p *Pipeline) rejectThrough(ctx context.Context, after, through int64) (int, error) {
	var n int
	for after < through {
		batch, err := p.ledger.ListAfter(ctx, after, p.cfg.BatchSize)
		if err != nil {
			return n, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if e.SequenceID > through {
				return n, nil
			}
			after = e.SequenceID
			committed, err := p.attendance.CommitScan(ctx, store.ScanCommit{
				Entry:       e,
				Outcome:     types.OutcomeRejected,
				ProcessedAt: p.now(),
			})
			if err != nil {
				return n, fmt.Errorf("reject sequence %d: %w", e.SequenceID, err)
			}
			if committed {
				n++
				p.metrics.LedgerEntries.WithLabelValues(string(types.OutcomeRejected)).Inc()
			}
		}
	}
	return n, nil
}
