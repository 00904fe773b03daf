package logging

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger adds trace correlation to the server's request and
// security logs.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger wraps logger, defaulting to slog.Default().
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// Logger returns the underlying logger.
func (sl *StructuredLogger) Logger() *slog.Logger {
	return sl.logger
}

// LogHTTPRequest logs a completed request.
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path, route string, statusCode int, duration time.Duration, actor string) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.String("route", route),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}
	if actor != "" {
		attrs = append(attrs, slog.String("actor", actor))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

// LogSecurityEvent logs an authentication, authorization or throttling event.
func (sl *StructuredLogger) LogSecurityEvent(ctx context.Context, eventType, action, reason, actor string) {
	attrs := []slog.Attr{
		slog.String("event_type", eventType),
		slog.String("action", action),
		slog.String("reason", reason),
	}
	if actor != "" {
		attrs = append(attrs, slog.String("actor", actor))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if action == "deny" {
		level = slog.LevelWarn
	}

	sl.logger.LogAttrs(ctx, level, "Security event", attrs...)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
