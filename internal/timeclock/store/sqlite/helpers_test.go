package sqlite_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// openTestDB returns a migrated in-memory SQLite connection, closed
// automatically when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// One database per test; shared cache keeps it alive across pool
	// reconnects.
	name := "test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := sql.Open("sqlite", db.MemoryDSN(name))
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

// insertLedger writes entries the way the gateway does: straight into
// rfid_ledger, bypassing every store.
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
		if _, err := conn.ExecContext(context.Background(), `
INSERT INTO rfid_ledger(
  sequence_id, credential_id, device_id, scan_timestamp_ms, event_type,
  payload, hash_chain, hash_previous, device_signature, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			e.SequenceID, e.CredentialID, e.DeviceID, e.ScanTimestamp.UnixMilli(), string(e.EventType),
			string(e.Payload), e.HashChain, prev, sig, e.ScanTimestamp.UnixMilli(),
		); err != nil {
			t.Fatalf("insertLedger %d: %v", e.SequenceID, err)
		}
	}
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()

	var n int
	if err := conn.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
