package driver

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// EventLog writes lightweight structured events, one JSON object per line.
// Parameters are never logged.
type EventLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEventLog returns an EventLog writing to w, or to os.Stdout when w is nil.
func NewEventLog(w io.Writer) *EventLog {
	if w == nil {
		w = os.Stdout
	}
	return &EventLog{w: w}
}

// Log stamps m with ts and a default level and writes it. A nil EventLog
// discards the event.
func (l *EventLog) Log(m map[string]any) {
	if l == nil {
		return
	}
	m["ts"] = time.Now().Format(time.RFC3339Nano)
	if _, ok := m["level"]; !ok {
		m["level"] = "info"
	}
	b, _ := json.Marshal(m)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(b, '\n'))
}
