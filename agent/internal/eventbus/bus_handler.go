package eventbus

import (
	"context"
	"log/slog"
)

// BusHandler is an slog.Handler tee: every record goes to the wrapped
// handler and onto the bus as a LogEntry event. The dashboard's log
// panel is a bus subscriber, so this is how log lines reach it.
type BusHandler struct {
	inner  slog.Handler
	bus    *Bus
	attrs  []slog.Attr // keys already carry the group prefix
	prefix string
}

// NewBusHandler wraps inner so records are also published on bus.
func NewBusHandler(inner slog.Handler, bus *Bus) *BusHandler {
	return &BusHandler{inner: inner, bus: bus}
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle publishes the record as a LogEntry event, then hands it to the
// wrapped handler. Record attrs win over handler attrs on key collision.
func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time,
	}
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.bus.PublishType(LogEntry, entry)

	return h.inner.Handle(ctx, r)
}

func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &BusHandler{
		inner:  h.inner.WithAttrs(attrs),
		bus:    h.bus,
		attrs:  merged,
		prefix: h.prefix,
	}
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &BusHandler{
		inner:  h.inner.WithGroup(name),
		bus:    h.bus,
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}
