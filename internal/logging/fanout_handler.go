package logging

import (
	"context"
	"errors"
	"log/slog"
)

// fanoutHandler sends each record to every sink handler whose level admits it.
// The worker uses it to write console output and worker.log together.
type fanoutHandler struct {
	sinks []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	var sinks []slog.Handler
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if nested, ok := h.(*fanoutHandler); ok {
			sinks = append(sinks, nested.sinks...)
			continue
		}
		sinks = append(sinks, h)
	}
	switch len(sinks) {
	case 0:
		return NoopHandler{}
	case 1:
		return sinks[0]
	}
	return &fanoutHandler{sinks: sinks}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range h.sinks {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle reports every sink failure, not just the first.
func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, sink := range h.sinks {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}
		if err := sink.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(sink slog.Handler) slog.Handler { return sink.WithAttrs(attrs) })
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(sink slog.Handler) slog.Handler { return sink.WithGroup(name) })
}

func (h *fanoutHandler) derive(fn func(slog.Handler) slog.Handler) slog.Handler {
	sinks := make([]slog.Handler, 0, len(h.sinks))
	for _, sink := range h.sinks {
		sinks = append(sinks, fn(sink))
	}
	return &fanoutHandler{sinks: sinks}
}

// TeeLogger returns a logger that writes to base's handler and to extra.
func TeeLogger(base *slog.Logger, extra ...slog.Handler) *slog.Logger {
	handlers := extra
	if base != nil {
		handlers = append([]slog.Handler{base.Handler()}, extra...)
	}
	return slog.New(newFanoutHandler(handlers...))
}
