package logging

import (
	"context"
	"log/slog"
)

// levelOverrideHandler replaces the global minimum level for one logger. The
// floor applies in both directions: a component set to debug logs debug
// records even when the daemon runs at info.
type levelOverrideHandler struct {
	next  slog.Handler
	level slog.Level
}

func newLevelOverrideHandler(next slog.Handler, level slog.Level) slog.Handler {
	if next == nil {
		return NoopHandler{}
	}
	if inner, ok := next.(*levelOverrideHandler); ok {
		next = inner.next
	}
	return &levelOverrideHandler{next: next, level: level}
}

func (h *levelOverrideHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *levelOverrideHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.level {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *levelOverrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *levelOverrideHandler) WithGroup(name string) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithGroup(name), level: h.level}
}

// WithLevelOverride returns a logger whose minimum level is level regardless
// of the level the root handler was built with. Attributes already attached
// to logger are kept; a previous override is replaced, not stacked.
func WithLevelOverride(logger *slog.Logger, level slog.Level) *slog.Logger {
	if logger == nil {
		return slog.New(NoopHandler{})
	}
	if _, ok := logger.Handler().(NoopHandler); ok {
		return logger
	}
	return slog.New(newLevelOverrideHandler(logger.Handler(), level))
}
