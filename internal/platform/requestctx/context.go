package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey  contextKey = "github.com/yellowcat/checkout/internal/platform/requestctx/logger"
	traceContextKey   contextKey = "github.com/yellowcat/checkout/internal/platform/requestctx/trace"
	sessionContextKey contextKey = "github.com/yellowcat/checkout/internal/platform/requestctx/session"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

type sessionSlot struct {
	key string
}

// WithSessionSlot reserves a slot that handlers deeper in the chain fill with
// SetSessionKey, so outer middleware can read the key after the handler returns.
func WithSessionSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionContextKey, &sessionSlot{})
}

// SetSessionKey records the checkout session key served by the current request.
// It is a no-op when no slot was reserved.
func SetSessionKey(ctx context.Context, key string) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(sessionContextKey).(*sessionSlot); ok {
		slot.key = key
	}
}

// SessionKey returns the checkout session key recorded on the context, if any.
func SessionKey(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if slot, ok := ctx.Value(sessionContextKey).(*sessionSlot); ok {
		return slot.key
	}
	return ""
}
