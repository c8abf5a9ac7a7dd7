package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/logging"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.New("info", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.WithField("device_id", "reader-001").Info("device offline")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["device_id"] != "reader-001" || line["msg"] != "device offline" {
		t.Errorf("unexpected entry %v", line)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	if _, err := logging.New("loud", "text", nil); err == nil {
		t.Error("expected bad level to fail")
	}
	if _, err := logging.New("info", "xml", nil); err == nil {
		t.Error("expected bad format to fail")
	}
}
