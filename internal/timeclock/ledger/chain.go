package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// ErrChainIntegrity matches every *ViolationError via errors.Is.
var ErrChainIntegrity = errors.New("chain integrity violation")

const (
	ReasonOutOfOrder         = "sequence_out_of_order"
	ReasonSequenceGap        = "sequence_gap"
	ReasonMissingPrevious    = "missing_previous"
	ReasonUnexpectedPrevious = "unexpected_previous"
	ReasonBrokenLink         = "broken_link"
	ReasonMalformedPayload   = "malformed_payload"
	ReasonHashMismatch       = "hash_mismatch"
	ReasonColumnMismatch     = "column_mismatch"
	ReasonDownstream         = "downstream_of_break"
)

type ViolationError struct {
	SequenceID int64
	Reason     string
	Expected   string
	Stored     string
	Detail     string
}

func (e *ViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("chain integrity violation at sequence %d: %s (%s)", e.SequenceID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("chain integrity violation at sequence %d: %s", e.SequenceID, e.Reason)
}

func (e *ViolationError) Is(target error) bool { return target == ErrChainIntegrity }

// Anchor is the last verified position of the chain.  The zero Anchor means
// nothing has been verified yet and the next entry must be the genesis entry.
type Anchor struct {
	SequenceID int64
	Hash       string
}

func (a Anchor) Genesis() bool { return a.Hash == "" }

type Result struct {
	Accepted   []types.LedgerEntry
	Violations []*ViolationError
	Anchor     Anchor // position after the last accepted entry
}

// Break returns the violation that broke the chain, or nil.
func (r Result) Break() *ViolationError {
	if len(r.Violations) == 0 {
		return nil
	}
	return r.Violations[0]
}

// Verifier checks batches of ledger entries against the hash chain.  It
// carries the anchor between batches; after a break it rejects everything
// until Reset is called with an operator-approved anchor.
type Verifier struct {
	anchor Anchor
	broken *ViolationError
}

func NewVerifier(anchor Anchor) *Verifier {
	return &Verifier{anchor: anchor}
}

func (v *Verifier) Anchor() Anchor { return v.anchor }

func (v *Verifier) Broken() *ViolationError { return v.broken }

func (v *Verifier) Reset(anchor Anchor) {
	v.anchor = anchor
	v.broken = nil
}

// Verify checks entries, which must be in ascending sequence order.
func (v *Verifier) Verify(entries []types.LedgerEntry) Result {
	res := Result{Anchor: v.anchor}
	if v.broken != nil {
		res.Violations = downstream(entries, 0)
		return res
	}

	prev := v.anchor
	for i, e := range entries {
		if verr := checkEntry(prev, i == 0, e); verr != nil {
			v.broken = verr
			res.Violations = append([]*ViolationError{verr}, downstream(entries, i+1)...)
			break
		}
		res.Accepted = append(res.Accepted, e)
		prev = Anchor{SequenceID: e.SequenceID, Hash: e.HashChain}
	}

	v.anchor = prev
	res.Anchor = prev
	return res
}

func downstream(entries []types.LedgerEntry, from int) []*ViolationError {
	var out []*ViolationError
	for _, e := range entries[min(from, len(entries)):] {
		out = append(out, &ViolationError{
			SequenceID: e.SequenceID,
			Reason:     ReasonDownstream,
			Stored:     e.HashChain,
		})
	}
	return out
}

func checkEntry(prev Anchor, first bool, e types.LedgerEntry) *ViolationError {
	fail := func(reason, expected, detail string) *ViolationError {
		return &ViolationError{
			SequenceID: e.SequenceID,
			Reason:     reason,
			Expected:   expected,
			Stored:     e.HashChain,
			Detail:     detail,
		}
	}

	// Ordering.  Across batch boundaries only monotonicity is required.
	if e.SequenceID <= prev.SequenceID {
		return fail(ReasonOutOfOrder, "", fmt.Sprintf("after %d", prev.SequenceID))
	}
	if !first && e.SequenceID != prev.SequenceID+1 {
		return fail(ReasonSequenceGap, "", fmt.Sprintf("expected %d", prev.SequenceID+1))
	}

	// Linkage.
	switch {
	case prev.Genesis() && e.HashPrevious != "":
		return fail(ReasonUnexpectedPrevious, "", "first entry must not link to a predecessor")
	case !prev.Genesis() && e.HashPrevious == "":
		return fail(ReasonMissingPrevious, prev.Hash, "")
	case !prev.Genesis() && e.HashPrevious != prev.Hash:
		return fail(ReasonBrokenLink, prev.Hash, "hash_previous="+e.HashPrevious)
	}

	canonical, err := Canonicalize(e.Payload)
	if err != nil {
		return fail(ReasonMalformedPayload, "", err.Error())
	}
	expected := ChainHash(prev.Hash, canonical)
	if expected != e.HashChain {
		return fail(ReasonHashMismatch, expected, "")
	}

	if detail := columnMismatch(e); detail != "" {
		return fail(ReasonColumnMismatch, expected, detail)
	}
	return nil
}

// ErrPayloadShape reports a payload whose identity fields cannot be compared
// with the row columns.
var ErrPayloadShape = errors.New("payload identity fields have an unsupported shape")

// Identity fields are JSON strings; scan_timestamp is RFC 3339 with optional
// fractional seconds.  Absent or null fields are not compared.
var identityFields = []string{"credential_id", "device_id", "event_type", "scan_timestamp"}

type identity struct {
	values map[string]string
	scanAt *time.Time
	bad    []string
}

func readIdentity(payload []byte) identity {
	id := identity{values: make(map[string]string, len(identityFields))}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		id.bad = append(id.bad, "payload")
		return id
	}
	for _, name := range identityFields {
		r, ok := raw[name]
		if !ok || bytes.Equal(bytes.TrimSpace(r), []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			id.bad = append(id.bad, name)
			continue
		}
		if name == "scan_timestamp" {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				id.bad = append(id.bad, name)
				continue
			}
			id.scanAt = &ts
			continue
		}
		id.values[name] = s
	}
	return id
}

// CheckIdentityFields returns ErrPayloadShape when an identity field is
// present with a type or timestamp format the ledger does not define.
func CheckIdentityFields(payload []byte) error {
	if bad := readIdentity(payload).bad; len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrPayloadShape, strings.Join(bad, ", "))
	}
	return nil
}

// columnMismatch compares the indexed row columns with the hashed payload so
// that a column edited after hashing is still detected.  Fields with an
// unsupported shape are skipped here and rejected per entry downstream.
func columnMismatch(e types.LedgerEntry) string {
	id := readIdentity(e.Payload)
	if v, ok := id.values["credential_id"]; ok && v != e.CredentialID {
		return "credential_id"
	}
	if v, ok := id.values["device_id"]; ok && v != e.DeviceID {
		return "device_id"
	}
	if v, ok := id.values["event_type"]; ok && v != string(e.EventType) {
		return "event_type"
	}
	// The ledger stores scan times at millisecond precision.
	if id.scanAt != nil && id.scanAt.UnixMilli() != e.ScanTimestamp.UnixMilli() {
		return "scan_timestamp"
	}
	return ""
}
