package partydocs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingContextValue.
var TrackingContextKey = trackingContextKey("tracking_context")

// TrackingContextValue holds the request-scoped facilities attached to a
// context as it flows through the pipeline.
type TrackingContextValue struct {
	RequestID string
	Tracer    trace.Tracer
	Logger    log.Logger
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, values)
}

// LoggerFromContext extracts the logger from the context, returning a
// no-op logger when none is present.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue); ok && values.Logger != nil {
		return values.Logger
	}

	return &log.NopLogger{}
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithRequestID returns a context carrying the given correlation ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	values.RequestID = requestID

	return context.WithValue(ctx, TrackingContextKey, values)
}

// TrackingFromContext extracts the logger, tracer and correlation ID from
// the context. Missing components are replaced with functional defaults so
// callers never need nil checks.
//
//nolint:ireturn
func TrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	values, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if !ok || values == nil {
		return &log.NopLogger{}, otel.Tracer("partydocs.default"), uuid.New().String()
	}

	return resolveLogger(values.Logger), resolveTracer(values.Tracer), resolveRequestID(values.RequestID)
}

func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return &log.NopLogger{}
}

func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer("partydocs.default")
}

func resolveRequestID(requestID string) string {
	if trimmed := strings.TrimSpace(requestID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}

// WithTimeoutSafe creates a context with the given timeout while
// respecting any shorter deadline already present on the parent.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok {
		if time.Until(deadline) < timeout {
			ctx, cancel := context.WithCancel(parent)

			return ctx, cancel, nil
		}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
