package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const defaultDeriveBatch = 500

// DeriveReport counts what one Deriver.Run did.
type DeriveReport struct {
	Processed    int   `json:"processed"`
	Derived      int   `json:"derived"`
	Duplicates   int   `json:"duplicates"`
	Unrecognized int   `json:"unrecognized"`
	Rejected     int   `json:"rejected"`
	Checkpoint   int64 `json:"checkpoint"`
}

func (r *DeriveReport) count(o types.ProcessingOutcome) {
	r.Processed++
	switch o {
	case types.OutcomeDerived:
		r.Derived++
	case types.OutcomeDuplicate:
		r.Duplicates++
	case types.OutcomeUnrecognized:
		r.Unrecognized++
	case types.OutcomeRejected:
		r.Rejected++
	}
}

type DeriverConfig struct {
	DedupWindow   time.Duration
	BatchSize     int
	NotifyTimeout time.Duration
}

// Deriver turns verified, unprocessed ledger entries into attendance
// events.  Each entry is committed on its own, so a crash between entries
// loses nothing and a restart never derives an entry twice.
type Deriver struct {
	ledger      store.LedgerStore
	attendance  store.AttendanceStore
	checkpoints store.CheckpointStore
	devices     store.DeviceStore
	badges      *BadgeService
	dedup       *ledger.DedupFilter
	notifier    notify.Dispatcher
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	cfg         DeriverConfig
	now         Clock
}

func NewDeriver(
	ls store.LedgerStore,
	as store.AttendanceStore,
	cps store.CheckpointStore,
	ds store.DeviceStore,
	badges *BadgeService,
	notifier notify.Dispatcher,
	log logrus.FieldLogger,
	m *metrics.Metrics,
	cfg DeriverConfig,
) *Deriver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDeriveBatch
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = notify.DefaultTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Deriver{
		ledger:      ls,
		attendance:  as,
		checkpoints: cps,
		devices:     ds,
		badges:      badges,
		dedup:       ledger.NewDedupFilter(cfg.DedupWindow),
		notifier:    notifier,
		log:         log,
		metrics:     m,
		cfg:         cfg,
		now:         systemClock,
	}
}

// SetClock replaces the time source.  Tests only.
func (d *Deriver) SetClock(now Clock) { d.now = now }

// Run processes every unprocessed entry with sequence_id <= through, in
// ascending order.  Cancellation is honoured between entries only.
func (d *Deriver) Run(ctx context.Context, through int64) (DeriveReport, error) {
	var rep DeriveReport

	cp, err := d.checkpoints.LoadCheckpoint(ctx, types.CheckpointDerive)
	if err != nil {
		return rep, err
	}
	rep.Checkpoint = cp.SequenceID
	after := cp.SequenceID

	keys := make(map[string]string)
	for after < through {
		batch, err := d.ledger.ListUnprocessed(ctx, after, through, d.cfg.BatchSize)
		if err != nil {
			return rep, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			outcome, committed, err := d.process(ctx, e, keys)
			if err != nil {
				return rep, fmt.Errorf("derive sequence %d: %w", e.SequenceID, err)
			}
			after = e.SequenceID
			rep.Checkpoint = e.SequenceID
			if committed {
				rep.count(outcome)
				d.metrics.LedgerEntries.WithLabelValues(string(outcome)).Inc()
			}
		}
		if len(batch) < d.cfg.BatchSize {
			break
		}
	}
	return rep, nil
}

func (d *Deriver) publicKey(ctx context.Context, deviceID string, cache map[string]string) (string, error) {
	if k, ok := cache[deviceID]; ok {
		return k, nil
	}
	dev, err := d.devices.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		cache[deviceID] = ""
		return "", nil
	}
	if err != nil {
		return "", err
	}
	cache[deviceID] = dev.PublicKey
	return dev.PublicKey, nil
}

func (d *Deriver) securityEvent(kind types.SecurityEventKind, e types.LedgerEntry, detail string, at time.Time) *types.SecurityEvent {
	return &types.SecurityEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		SequenceID:   e.SequenceID,
		CredentialID: e.CredentialID,
		DeviceID:     e.DeviceID,
		Detail:       detail,
		CreatedAt:    at,
	}
}

func (d *Deriver) event(e types.LedgerEntry, employeeID string, dup bool, at time.Time) *types.AttendanceEvent {
	return &types.AttendanceEvent{
		ID:               uuid.NewString(),
		LedgerSequenceID: e.SequenceID,
		EmployeeID:       employeeID,
		CredentialID:     e.CredentialID,
		DeviceID:         e.DeviceID,
		EventType:        e.EventType,
		ScanTimestamp:    e.ScanTimestamp,
		IsDeduplicated:   dup,
		CreatedAt:        at,
	}
}

// process builds and commits the outcome for one entry.  Notifications and
// badge usage happen only after the commit succeeded.
func (d *Deriver) process(ctx context.Context, e types.LedgerEntry, keys map[string]string) (types.ProcessingOutcome, bool, error) {
	now := d.now()
	log := d.log.WithFields(logrus.Fields{
		"sequence_id":   e.SequenceID,
		"credential_id": e.CredentialID,
		"device_id":     e.DeviceID,
	})
	c := store.ScanCommit{Entry: e, ProcessedAt: now}
	var msg *notify.Message

	if ok, err := d.checkSignature(ctx, e, keys, log); err != nil {
		return "", false, err
	} else if !ok {
		c.Outcome = types.OutcomeRejected
		c.Security = d.securityEvent(types.SecurityInvalidSignature, e, "device signature does not verify", now)
		m := notify.NewMessage(notify.KindInvalidSignature, notify.RoleSecurity, notify.SeverityWarning,
			fmt.Sprintf("Invalid signature on scan %d from %s", e.SequenceID, e.DeviceID),
			map[string]any{"sequence_id": e.SequenceID, "device_id": e.DeviceID, "credential_id": e.CredentialID})
		msg = &m
		return d.commit(ctx, c, msg, log)
	}

	if err := ledger.CheckIdentityFields(e.Payload); err != nil {
		log.WithError(err).Warn("ledger entry with malformed identity fields rejected")
		c.Outcome = types.OutcomeRejected
		return d.commit(ctx, c, nil, log)
	}

	if !e.EventType.Valid() {
		log.WithField("event_type", e.EventType).Warn("ledger entry with unknown event type rejected")
		c.Outcome = types.OutcomeRejected
		return d.commit(ctx, c, nil, log)
	}

	mark, hasMark, err := d.attendance.DedupMark(ctx, ledger.KeyOf(e))
	if err != nil {
		return "", false, err
	}
	class := d.dedup.ClassifyOne(mark, hasMark, e)

	if class.Duplicate {
		employee := ""
		if b, err := d.badges.ActiveByCredential(ctx, e.CredentialID); err == nil {
			employee = b.EmployeeID
		}
		c.Outcome = types.OutcomeDuplicate
		c.Event = d.event(e, employee, true, now)
		log.WithField("duplicate_of", class.Of).Debug("duplicate scan")
		if class.CrossDevice {
			detail := fmt.Sprintf("duplicate of sequence %d from device %s", class.Of, mark.DeviceID)
			c.Security = d.securityEvent(types.SecurityMultiDeviceScan, e, detail, now)
			m := notify.NewMessage(notify.KindMultiDeviceScan, notify.RoleSecurity, notify.SeverityWarning,
				fmt.Sprintf("Credential %s scanned at %s and %s within the dedup window", e.CredentialID, mark.DeviceID, e.DeviceID),
				map[string]any{
					"sequence_id":    e.SequenceID,
					"duplicate_of":   class.Of,
					"credential_id":  e.CredentialID,
					"device_id":      e.DeviceID,
					"first_device":   mark.DeviceID,
					"scan_timestamp": e.ScanTimestamp,
				})
			msg = &m
		}
		return d.commit(ctx, c, msg, log)
	}

	// Accepted: the scan opens a dedup window whether or not the credential
	// resolves, so a burst of unknown-card scans raises one security event.
	c.Mark = &ledger.DedupMark{SequenceID: e.SequenceID, DeviceID: e.DeviceID, ScanTimestamp: e.ScanTimestamp}

	b, err := d.badges.ActiveByCredential(ctx, e.CredentialID)
	switch {
	case err == nil:
		c.Outcome = types.OutcomeDerived
		c.Event = d.event(e, b.EmployeeID, false, now)
	case errors.Is(err, ErrNoActiveBadge), errors.Is(err, ErrBadgeExpired):
		c.Outcome = types.OutcomeUnrecognized
		c.Security = d.securityEvent(types.SecurityUnrecognizedCredential, e, err.Error(), now)
		m := notify.NewMessage(notify.KindUnrecognizedCredential, notify.RoleSecurity, notify.SeverityWarning,
			fmt.Sprintf("Unrecognized credential %s at %s", e.CredentialID, e.DeviceID),
			map[string]any{
				"sequence_id":    e.SequenceID,
				"credential_id":  e.CredentialID,
				"device_id":      e.DeviceID,
				"scan_timestamp": e.ScanTimestamp,
				"reason":         err.Error(),
			})
		msg = &m
	default:
		return "", false, err
	}

	outcome, committed, err := d.commit(ctx, c, msg, log)
	if err != nil || !committed || outcome != types.OutcomeDerived {
		return outcome, committed, err
	}
	if err := d.badges.RecordUsage(ctx, e.CredentialID, e.ScanTimestamp); err != nil && !errors.Is(err, ErrNoActiveBadge) {
		log.WithError(err).Warn("record badge usage failed")
	}
	return outcome, committed, nil
}

// checkSignature returns false only for a signature that is present and
// fails to verify against a configured key.
func (d *Deriver) checkSignature(ctx context.Context, e types.LedgerEntry, keys map[string]string, log logrus.FieldLogger) (bool, error) {
	if e.DeviceSignature == "" {
		log.Debug("unsigned ledger entry")
		return true, nil
	}
	key, err := d.publicKey(ctx, e.DeviceID, keys)
	if err != nil {
		return false, err
	}
	if key == "" {
		log.Debug("signed entry from device without a public key")
		return true, nil
	}
	switch err := ledger.VerifySignature(key, e.HashChain, e.DeviceSignature); {
	case err == nil:
		return true, nil
	case errors.Is(err, ledger.ErrInvalidPublicKey):
		log.WithError(err).Error("device public key is unusable; signature not checked")
		return true, nil
	default:
		log.WithError(err).Warn("device signature rejected")
		return false, nil
	}
}

func (d *Deriver) commit(ctx context.Context, c store.ScanCommit, msg *notify.Message, log logrus.FieldLogger) (types.ProcessingOutcome, bool, error) {
	committed, err := d.attendance.CommitScan(ctx, c)
	if err != nil {
		return "", false, err
	}
	if !committed {
		log.Debug("ledger entry already processed")
		return c.Outcome, false, nil
	}
	if c.Security != nil {
		d.metrics.SecurityEvents.WithLabelValues(string(c.Security.Kind)).Inc()
		log.WithField("kind", c.Security.Kind).Warn("security event")
	}
	if msg != nil {
		notify.Send(ctx, d.notifier, d.cfg.NotifyTimeout, d.log, *msg)
	}
	return c.Outcome, true, nil
}
