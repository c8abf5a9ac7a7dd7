package ledger

import (
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

const DefaultDedupWindow = 15 * time.Second

// DedupKey identifies a physical event for deduplication.  Device is
// deliberately not part of the key: the same badge at two readers inside
// the window is a duplicate too.
type DedupKey struct {
	CredentialID string
	EventType    types.EventType
}

func KeyOf(e types.LedgerEntry) DedupKey {
	return DedupKey{CredentialID: e.CredentialID, EventType: e.EventType}
}

// DedupMark is the accepted scan that opened the current window for a key.
type DedupMark struct {
	SequenceID    int64
	DeviceID      string
	ScanTimestamp time.Time
}

type Classification struct {
	Entry     types.LedgerEntry
	Duplicate bool
	// Of is the sequence id of the accepted scan a duplicate belongs to.
	Of int64
	// CrossDevice is set when the duplicate came from a different reader
	// than the accepted scan, which needs security review.
	CrossDevice bool
}

type DedupFilter struct {
	window time.Duration
}

func NewDedupFilter(window time.Duration) *DedupFilter {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &DedupFilter{window: window}
}

func (f *DedupFilter) Window() time.Duration { return f.window }

// ClassifyOne classifies e against the mark for its key (ok=false when no
// mark exists).  First scan wins; the window is measured from the accepted
// scan and does not slide on duplicates.
func (f *DedupFilter) ClassifyOne(mark DedupMark, ok bool, e types.LedgerEntry) Classification {
	c := Classification{Entry: e}
	if !ok || e.SequenceID <= mark.SequenceID {
		return c
	}
	d := e.ScanTimestamp.Sub(mark.ScanTimestamp)
	if d < 0 {
		d = -d
	}
	if d < f.window {
		c.Duplicate = true
		c.Of = mark.SequenceID
		c.CrossDevice = mark.DeviceID != e.DeviceID
	}
	return c
}

// Classify runs a whole batch.  prior is not modified; the marks after the
// batch are returned separately, so classifying the same batch against the
// same prior state always gives the same answer.
func (f *DedupFilter) Classify(prior map[DedupKey]DedupMark, batch []types.LedgerEntry) ([]Classification, map[DedupKey]DedupMark) {
	marks := make(map[DedupKey]DedupMark, len(prior))
	for k, m := range prior {
		marks[k] = m
	}

	out := make([]Classification, 0, len(batch))
	for _, e := range batch {
		k := KeyOf(e)
		m, ok := marks[k]
		c := f.ClassifyOne(m, ok, e)
		if !c.Duplicate {
			marks[k] = DedupMark{
				SequenceID:    e.SequenceID,
				DeviceID:      e.DeviceID,
				ScanTimestamp: e.ScanTimestamp,
			}
		}
		out = append(out, c)
	}
	return out, marks
}
