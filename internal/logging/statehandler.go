package logging

import (
	"context"
	"log/slog"
)

// StateFunc reports the live attributes of the running session, such as
// the active source mode or the self beacon.
type StateFunc func() []slog.Attr

// StateHandler wraps another handler and appends the current session state
// to each record it handles.
type StateHandler struct {
	inner slog.Handler
	state StateFunc
}

// NewStateHandler creates a handler that stamps records with state().
func NewStateHandler(inner slog.Handler, state StateFunc) *StateHandler {
	return &StateHandler{inner: inner, state: state}
}

// Enabled delegates to the inner handler.
func (h *StateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *StateHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.state != nil {
		for _, a := range h.state() {
			if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
				continue
			}
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *StateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StateHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup implements slog.Handler.
func (h *StateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &StateHandler{inner: h.inner.WithGroup(name), state: h.state}
}
