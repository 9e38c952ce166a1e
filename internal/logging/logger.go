// Package logging sets up simcore's operator log and its lifecycle trace.
//
// The operator log is a text slog.Logger on stderr. The lifecycle trace is an
// append-only JSONL file in the data directory that records every status
// change, download and cluster step of a run; it only exists when logging is
// verbose.
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below Debug. It adds per-chunk download progress and every
// drained host-loop action.
const LevelTrace = slog.LevelDebug - 4

// EventsFile is the trace file name inside the data directory.
const EventsFile = "events.jsonl"

var levelNames = map[string]slog.Level{
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// ParseLevel returns the level for "info", "debug" or "trace", ignoring case.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// NewLogger returns the operator log at the named level, writing text to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: labelTrace,
	}))
}

// labelTrace prints LevelTrace as TRACE instead of DEBUG-4.
func labelTrace(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Discard returns a logger that drops everything. Components fall back to it
// when constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// EventLogger appends lifecycle events to the trace file, one JSON object per
// line, each stamped with "time" and a per-process "seq". The zero of the
// type is not usable; a nil *EventLogger is, and drops every event.
type EventLogger struct {
	now func() time.Time

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	seq uint64
}

// NewEventLogger opens dir/events.jsonl for append when level is debug or
// trace. At info, or when the file cannot be opened, it returns nil so that
// tracing costs nothing.
func NewEventLogger(dir, level string) *EventLogger {
	if ParseLevel(level) >= slog.LevelInfo {
		return nil
	}
	f, err := openTrace(dir)
	if err != nil {
		return nil
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &EventLogger{now: time.Now, f: f, enc: enc}
}

func openTrace(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, EventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// Log records one event. The fields are copied, so callers may reuse the map.
// Events that cannot be encoded are dropped.
func (el *EventLogger) Log(fields map[string]any) {
	if el == nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.f == nil {
		return
	}
	el.seq++
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["time"] = el.now().UTC().Format(time.RFC3339Nano)
	entry["seq"] = el.seq
	_ = el.enc.Encode(entry)
}

// Close stops tracing. Later calls to Log are dropped.
func (el *EventLogger) Close() {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.f != nil {
		el.f.Close()
		el.f, el.enc = nil, nil
	}
}
