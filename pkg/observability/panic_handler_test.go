package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "shutdown function")
		panic("boom")
	}()

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}

	if entry.Message != "panic recovered" {
		t.Errorf("Expected message 'panic recovered', got %s", entry.Message)
	}
	if entry.Fields["panic"] != "boom" {
		t.Errorf("Expected panic value 'boom', got %v", entry.Fields["panic"])
	}
	if entry.Fields["operation"] != "shutdown function" {
		t.Errorf("Expected operation 'shutdown function', got %v", entry.Fields["operation"])
	}
	if entry.Fields["stack"] == nil || entry.Fields["stack"] == "" {
		t.Error("Expected a stack trace in the log entry")
	}
}

func TestRecoverPanic_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "quiet path")
	}()

	if buf.Len() > 0 {
		t.Errorf("Expected no log output without a panic, got %s", buf.String())
	}
}
