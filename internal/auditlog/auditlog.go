// Package auditlog implements the persisted append-only event log (spec
// §6). It has no direct teacher analog as a file format, but its event
// shape and the "log, never block the caller on a write failure" posture
// are grounded on server/heartbeat.go's and server/monitoring.go's
// bracketed log.Printf event style, promoted here to structured
// JSON-Lines so events survive process restarts and can be grepped/parsed.
package auditlog

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

// Event is one append-only log record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
}

// Logger appends Events as JSON-Lines to an underlying writer. Writes are
// serialized by a mutex; a write failure is logged but never returned to
// the caller — an audit sink outage must not take down request handling.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// New wraps w (typically an append-mode *os.File) as a Logger.
func New(w io.Writer) *Logger {
	return &Logger{out: w, enc: json.NewEncoder(w)}
}

// Record appends one event, stamping Timestamp if the caller left it zero.
func (l *Logger) Record(e Event) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(e); err != nil {
		log.Printf("[auditlog] failed to write event %s: %v", e.Kind, err)
	}
}

// discard is a no-op sink for callers (tests, dry runs) that want a Logger
// without a backing file.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// NewDiscard returns a Logger that accepts and drops every event.
func NewDiscard() *Logger {
	return New(discard{})
}
