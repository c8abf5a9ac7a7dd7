package types

import "time"

// AttendanceEvent is derived from exactly one ledger entry.  Deduplicated
// copies are kept for forensic replay and purged by the retention sweep.
type AttendanceEvent struct {
	ID               string    `json:"id"`
	LedgerSequenceID int64     `json:"ledger_sequence_id"`
	EmployeeID       string    `json:"employee_id,omitempty"`
	CredentialID     string    `json:"credential_id"`
	DeviceID         string    `json:"device_id"`
	EventType        EventType `json:"event_type"`
	ScanTimestamp    time.Time `json:"scan_timestamp"`
	IsDeduplicated   bool      `json:"is_deduplicated"`
	CreatedAt        time.Time `json:"created_at"`
}

type SecurityEventKind string

const (
	SecurityUnrecognizedCredential SecurityEventKind = "unrecognized_credential"
	SecurityMultiDeviceScan        SecurityEventKind = "multi_device_scan"
	SecurityInvalidSignature       SecurityEventKind = "invalid_signature"
)

// SecurityEvent is a scan that was seen and deliberately not turned into
// attendance, persisted so an audit can reconstruct why.
type SecurityEvent struct {
	ID           string            `json:"id"`
	Kind         SecurityEventKind `json:"kind"`
	SequenceID   int64             `json:"sequence_id"`
	CredentialID string            `json:"credential_id"`
	DeviceID     string            `json:"device_id"`
	Detail       string            `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
