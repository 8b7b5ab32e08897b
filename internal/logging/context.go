package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	processKey ctxKey = iota
	actionIDKey
	workerIDKey
)

// correlation lists the context keys copied onto log records, in output order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{processKey, "process"},
	{actionIDKey, "action_id"},
	{workerIDKey, "worker_id"},
}

// WithProcess returns a context carrying the process qualified name.
func WithProcess(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, processKey, name)
}

// WithActionID returns a context carrying the engine action GUID.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithWorkerID returns a context carrying the engine host worker ID.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// Process extracts the process name from the context, or "" if absent.
func Process(ctx context.Context) string { return value(ctx, processKey) }

// ActionID extracts the action GUID from the context, or "" if absent.
func ActionID(ctx context.Context) string { return value(ctx, actionIDKey) }

// WorkerID extracts the worker ID from the context, or "" if absent.
func WorkerID(ctx context.Context) string { return value(ctx, workerIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithAction sets the process name and action GUID together. Empty values
// are left unset.
func WithAction(ctx context.Context, process, actionID string) context.Context {
	if process != "" {
		ctx = WithProcess(ctx, process)
	}
	if actionID != "" {
		ctx = WithActionID(ctx, actionID)
	}
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation IDs found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds correlation IDs from the
// record's context, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware text logger. A nil writer means stderr.
func New(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// OrDefault returns logger, or a stderr info logger when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return New(nil, "info")
}
