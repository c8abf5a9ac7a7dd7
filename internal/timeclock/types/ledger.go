package types

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTimeIn     EventType = "time_in"
	EventTimeOut    EventType = "time_out"
	EventBreakStart EventType = "break_start"
	EventBreakEnd   EventType = "break_end"
)

func (e EventType) Valid() bool {
	switch e {
	case EventTimeIn, EventTimeOut, EventBreakStart, EventBreakEnd:
		return true
	}
	return false
}

// ProcessingOutcome records what the deriver did with a ledger entry.
type ProcessingOutcome string

const (
	OutcomeDerived      ProcessingOutcome = "derived"
	OutcomeDuplicate    ProcessingOutcome = "duplicate"
	OutcomeUnrecognized ProcessingOutcome = "unrecognized"
	OutcomeRejected     ProcessingOutcome = "rejected"
)

// LedgerEntry is one row of the scan ledger written by the RFID gateway.
//
// HashPrevious is empty for the first entry ever written.  Processed and
// ProcessedAt are joined in from the core-owned processing table; the
// ledger row itself is never updated here.
type LedgerEntry struct {
	SequenceID      int64           `json:"sequence_id"`
	CredentialID    string          `json:"credential_id"`
	DeviceID        string          `json:"device_id"`
	ScanTimestamp   time.Time       `json:"scan_timestamp"`
	EventType       EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	HashChain       string          `json:"hash_chain"`
	HashPrevious    string          `json:"hash_previous,omitempty"`
	DeviceSignature string          `json:"device_signature,omitempty"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// Checkpoint is a per-consumer cursor into the ledger.
type Checkpoint struct {
	Name       string    `json:"name"`
	SequenceID int64     `json:"sequence_id"`
	Hash       string    `json:"hash,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	CheckpointChain  = "chain"
	CheckpointDerive = "derive"
)

type Resolution string

const (
	ResolutionRetry    Resolution = "retry"
	ResolutionReanchor Resolution = "reanchor"
)

// ChainViolation is a quarantined break in the ledger hash chain.
type ChainViolation struct {
	SequenceID   int64       `json:"sequence_id"`
	Reason       string      `json:"reason"`
	ExpectedHash string      `json:"expected_hash,omitempty"`
	StoredHash   string      `json:"stored_hash,omitempty"`
	DetectedAt   time.Time   `json:"detected_at"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy   string      `json:"resolved_by,omitempty"`
	Resolution   *Resolution `json:"resolution,omitempty"`
}

func (v ChainViolation) Open() bool { return v.ResolvedAt == nil }
