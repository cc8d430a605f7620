package auditlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Record(Event{Kind: "PRIMARY_RECOVERY", Severity: "HIGH"})
	l.Record(Event{Kind: "PRIMARY_RECOVERY_SUCCESS", Severity: "INFO"})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var e Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("expected valid JSON line: %v", err)
	}
	if e.Kind != "PRIMARY_RECOVERY" || e.Timestamp.IsZero() {
		t.Fatalf("unexpected decoded event: %+v", e)
	}
}

func TestNilLoggerRecordIsNoOp(t *testing.T) {
	var l *Logger
	l.Record(Event{Kind: "whatever"}) // must not panic
}

func TestDiscardLoggerAcceptsEvents(t *testing.T) {
	l := NewDiscard()
	l.Record(Event{Kind: "ignored"})
}
