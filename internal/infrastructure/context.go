package infrastructure

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey string

// TraceIDContextKey is the context key holding the request trace ID.
const TraceIDContextKey contextKey = "trace_id"

// GenerateTraceID creates a new unique trace ID.
func GenerateTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// ContextWithTraceID creates a context carrying a freshly generated trace ID.
func ContextWithTraceID(ctx context.Context) context.Context {
	return WithTraceID(ctx, GenerateTraceID())
}

// EnsureTraceID returns a context that is guaranteed to carry a trace ID.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		return ContextWithTraceID(ctx)
	}
	return ctx
}

// GetTraceID retrieves the trace ID from context, or "".
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDContextKey).(string); ok {
		return traceID
	}
	return ""
}

// LoggerWithContext returns the global logger annotated with the context's
// trace ID, if any.
func LoggerWithContext(ctx context.Context) *slog.Logger {
	logger := GetLogger()
	if traceID := GetTraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}
