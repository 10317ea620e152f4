package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

type logAttrsKey struct{}

// WithLogAttrs returns a context whose log records carry args (slog
// key/value pairs or slog.Attr values) in addition to any attached earlier.
// Request-scoped ids such as the caller, idempotency key and transfer id are
// attached once and show up on every line logged with that context.
func WithLogAttrs(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	var r slog.Record
	r.Add(args...)

	prev, _ := ctx.Value(logAttrsKey{}).([]slog.Attr)
	attrs := make([]slog.Attr, 0, len(prev)+r.NumAttrs())
	attrs = append(attrs, prev...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return context.WithValue(ctx, logAttrsKey{}, attrs)
}

// ContextHandler is a JSON slog handler that adds the active span and the
// attributes attached with WithLogAttrs to each record.
type ContextHandler struct {
	handler slog.Handler
}

// NewContextHandler writes JSON records to w
func NewContextHandler(w io.Writer, opts *slog.HandlerOptions) *ContextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ContextHandler{handler: slog.NewJSONHandler(w, opts)}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	if attrs, ok := ctx.Value(logAttrsKey{}).([]slog.Attr); ok {
		record.AddAttrs(attrs...)
	}
	return h.handler.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{handler: h.handler.WithGroup(name)}
}

// LoggerConfig names the service on every record
type LoggerConfig struct {
	Service     string
	Version     string
	Environment string
	Level       slog.Level
	// Output defaults to stdout
	Output io.Writer
}

// InitLogger installs the default logger
func InitLogger(cfg LoggerConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	logger := slog.New(NewContextHandler(out, &slog.HandlerOptions{Level: cfg.Level})).With(
		slog.String("service", cfg.Service),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
