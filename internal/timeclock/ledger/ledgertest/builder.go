// Package ledgertest builds correctly chained ledger entries the way the
// RFID gateway writes them, for tests and local simulation.
package ledgertest

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

type Scan struct {
	CredentialID string
	DeviceID     string
	EventType    types.EventType
	At           time.Time
	Extra        map[string]any
}

// Builder appends scans to an in-memory chain.  The zero value starts a new
// chain at sequence 1.
type Builder struct {
	next     int64
	lastHash string
	signer   map[string]ed25519.PrivateKey

	Entries []types.LedgerEntry
}

func NewBuilder() *Builder { return &Builder{next: 1} }

// SignAs makes every later scan from deviceID carry a signature.
func (b *Builder) SignAs(deviceID string, key ed25519.PrivateKey) {
	if b.signer == nil {
		b.signer = make(map[string]ed25519.PrivateKey)
	}
	b.signer[deviceID] = key
}

func (b *Builder) Add(s Scan) types.LedgerEntry {
	if b.next == 0 {
		b.next = 1
	}
	at := s.At.UTC().Truncate(time.Millisecond)
	body := map[string]any{
		"credential_id":    s.CredentialID,
		"device_id":        s.DeviceID,
		"event_type":       string(s.EventType),
		"scan_timestamp":   at.Format(time.RFC3339Nano),
		"firmware_version": "1.4.2",
	}
	for k, v := range s.Extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: marshal payload: %v", err))
	}
	hash, err := ledger.Seal(b.lastHash, payload)
	if err != nil {
		panic(fmt.Sprintf("ledgertest: seal: %v", err))
	}

	e := types.LedgerEntry{
		SequenceID:    b.next,
		CredentialID:  s.CredentialID,
		DeviceID:      s.DeviceID,
		ScanTimestamp: at,
		EventType:     s.EventType,
		Payload:       payload,
		HashChain:     hash,
		HashPrevious:  b.lastHash,
	}
	if key, ok := b.signer[s.DeviceID]; ok {
		e.DeviceSignature = ledger.Sign(key, hash)
	}

	b.Entries = append(b.Entries, e)
	b.lastHash = hash
	b.next++
	return e
}

// Scans is a shorthand for n time_in scans one minute apart on one device,
// each from a distinct credential.
func (b *Builder) Scans(n int, deviceID string, start time.Time) []types.LedgerEntry {
	out := make([]types.LedgerEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.Add(Scan{
			CredentialID: fmt.Sprintf("CARD-%04d", i+1),
			DeviceID:     deviceID,
			EventType:    types.EventTimeIn,
			At:           start.Add(time.Duration(i) * time.Minute),
		}))
	}
	return out
}

// Tamper returns a copy of e whose payload has been edited after hashing.
func Tamper(e types.LedgerEntry) types.LedgerEntry {
	var body map[string]any
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		panic(fmt.Sprintf("ledgertest: tamper: %v", err))
	}
	body["firmware_version"] = "tampered"
	payload, _ := json.Marshal(body)
	e.Payload = payload
	return e
}
