package delivery

import (
	"time"

	"github.com/bark-labs/apns-relay/internal/apns"
)

// LogEntry records one noteworthy delivery event: a decoded error report, a
// dropped connection or gateway backpressure.
type LogEntry struct {
	Time        time.Time      `json:"time"`
	Code        apns.ErrorCode `json:"code"`
	Token       string         `json:"token,omitempty"`
	Description string         `json:"description"`
}

// eventLog is a bounded ordered history; the oldest entries are evicted once
// capacity is exceeded.
type eventLog struct {
	capacity int
	entries  []LogEntry
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &eventLog{capacity: capacity}
}

func (l *eventLog) append(e LogEntry) {
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
}

func (l *eventLog) snapshot() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
