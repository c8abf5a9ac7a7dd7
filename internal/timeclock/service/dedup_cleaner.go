package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store"
)

// dedupGrace is kept past the window before duplicate copies are dropped.
const dedupGrace = time.Hour

type CleanupReport struct {
	Cutoff time.Time `json:"cutoff"`
	Events int64     `json:"events"`
	Marks  int64     `json:"marks"`
}

// DedupCleaner is the retention sweep for duplicate copies and stale dedup
// marks.  Attendance that counted is never touched.
type DedupCleaner struct {
	store   store.AttendanceStore
	window  time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewDedupCleaner(st store.AttendanceStore, window time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *DedupCleaner {
	if window <= 0 {
		window = ledger.DefaultDedupWindow
	}
	if m == nil {
		m = metrics.New()
	}
	return &DedupCleaner{store: st, window: window, log: log, metrics: m}
}

func (c *DedupCleaner) Cutoff(now time.Time) time.Time {
	return now.Add(-(c.window + dedupGrace))
}

func (c *DedupCleaner) Cleanup(ctx context.Context, now time.Time) (CleanupReport, error) {
	rep := CleanupReport{Cutoff: c.Cutoff(now)}
	events, marks, err := c.store.PurgeDeduplicated(ctx, rep.Cutoff)
	if err != nil {
		return rep, err
	}
	rep.Events, rep.Marks = events, marks
	c.metrics.DedupPurged.WithLabelValues("events").Add(float64(events))
	c.metrics.DedupPurged.WithLabelValues("marks").Add(float64(marks))
	if events > 0 || marks > 0 {
		c.log.WithFields(logrus.Fields{
			"events": events,
			"marks":  marks,
			"cutoff": rep.Cutoff.Format(time.RFC3339),
		}).Info("dedup retention sweep")
	}
	return rep, nil
}
