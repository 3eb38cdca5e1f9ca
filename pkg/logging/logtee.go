package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LogTee is the daemon's slog.Handler. Every record goes to a base
// handler. Once attached, warnings and errors also become DAEMON events,
// so table problems show up next to session events in the API, the CLI
// and, through the event forwarder, remote syslog. Lower levels are sent
// to syslog directly.
type LogTee struct {
	base   slog.Handler
	sink   *teeSink
	attrs  []slog.Attr
	groups []string
}

// teeSink is shared by every handler derived with WithAttrs/WithGroup so
// loggers built before Attach still reach the daemon.
type teeSink struct {
	mu     sync.RWMutex
	fwd    *Forwarder
	events *EventBuffer
}

// NewLogTee wraps base. Until Attach it only writes to base.
func NewLogTee(base slog.Handler) *LogTee {
	return &LogTee{base: base, sink: &teeSink{}}
}

// Attach starts publishing records to events and fwd. Either may be nil.
func (h *LogTee) Attach(fwd *Forwarder, events *EventBuffer) {
	h.sink.mu.Lock()
	h.sink.fwd = fwd
	h.sink.events = events
	h.sink.mu.Unlock()
}

// Detach stops publishing; records go to the base handler only.
func (h *LogTee) Detach() {
	h.Attach(nil, nil)
}

// Enabled implements slog.Handler.
func (h *LogTee) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogTee) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sink.mu.RLock()
	fwd, events := h.sink.fwd, h.sink.events
	h.sink.mu.RUnlock()
	if fwd == nil && events == nil {
		return err
	}

	severity := slogLevelToSyslog(r.Level)
	msg := formatRecord(r, h.attrs, h.groups)
	switch {
	case events != nil && r.Level >= slog.LevelWarn:
		events.Add(EventRecord{
			Time:     r.Time,
			Type:     EventDaemon,
			Severity: severity,
			Message:  msg,
		})
	case fwd != nil:
		fwd.SendMessage(severity, msg)
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *LogTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogTee{
		base:   h.base.WithAttrs(attrs),
		sink:   h.sink,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *LogTee) WithGroup(name string) slog.Handler {
	return &LogTee{
		base:   h.base.WithGroup(name),
		sink:   h.sink,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	default:
		return SyslogInfo
	}
}

// formatRecord renders r as "msg k=v ...", group-qualifying record attrs.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)
	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})
	return b.String()
}
