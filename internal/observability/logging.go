package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// NewLogger creates a JSON logger on stdout tagged with component.
func NewLogger(component string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("component", component)
}

// WithTrace returns logger annotated with the trace and span ids in ctx, if any.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// ParseLogLevel parses debug, info, warn or error (case-insensitive).
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
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

// LogLevel resolves the effective level. An explicit flag wins over
// CITYINGEST_LOG_LEVEL, which wins over the config file value.
func LogLevel(flagLevel, configLevel string) slog.Level {
	if flagLevel != "" {
		return ParseLogLevel(flagLevel)
	}
	if env := os.Getenv("CITYINGEST_LOG_LEVEL"); env != "" {
		return ParseLogLevel(env)
	}
	return ParseLogLevel(configLevel)
}
