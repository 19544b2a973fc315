package meridian

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
	"github.com/SandboxServers/MeridianConsole-sub018/meridian/opentelemetry/metrics"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

type trackingContextKey string

// TrackingContextKey is the context key used to store TrackingContextValue.
var TrackingContextKey = trackingContextKey("tracking_context")

// TrackingContextValue holds the request-scoped facilities attached to context:
// the structured logger, tracer, correlation id, and metric factory.
type TrackingContextValue struct {
	HeaderID      string
	Tracer        trace.Tracer
	Logger        log.Logger
	MetricFactory *metrics.MetricsFactory
}

// NewLoggerFromContext extracts the Logger stored in the tracking context.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue); ok &&
		tracking.Logger != nil {
		return tracking.Logger
	}

	return &log.NopLogger{}
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := trackingValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := trackingValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithMetricFactory returns a context carrying the given metric factory.
func ContextWithMetricFactory(ctx context.Context, metricFactory *metrics.MetricsFactory) context.Context {
	values := trackingValues(ctx)
	values.MetricFactory = metricFactory

	return context.WithValue(ctx, TrackingContextKey, values)
}

// ContextWithHeaderID returns a context carrying the given correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := trackingValues(ctx)
	values.HeaderID = headerID

	return context.WithValue(ctx, TrackingContextKey, values)
}

func trackingValues(ctx context.Context) *TrackingContextValue {
	values, _ := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if values == nil {
		values = &TrackingContextValue{}
	}

	return values
}

// NewTrackingFromContext extracts the tracking components from context.
// Missing components resolve to functional defaults (nop logger, the global
// tracer, a generated correlation id) so callers never need nil checks.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string, *metrics.MetricsFactory) {
	tracking, ok := ctx.Value(TrackingContextKey).(*TrackingContextValue)
	if !ok || tracking == nil {
		return &log.NopLogger{}, otel.Tracer("meridian.default"), uuid.New().String(), resolveMetricFactory(nil)
	}

	return resolveLogger(tracking.Logger),
		resolveTracer(tracking.Tracer),
		resolveHeaderID(tracking.HeaderID),
		resolveMetricFactory(tracking.MetricFactory)
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

	return otel.Tracer("meridian.default")
}

func resolveHeaderID(headerID string) string {
	if trimmed := strings.TrimSpace(headerID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}

// resolveMetricFactory never returns nil: if factory creation fails it falls
// back to a no-op factory to prevent nil dereferences downstream.
func resolveMetricFactory(factory *metrics.MetricsFactory) *metrics.MetricsFactory {
	if factory != nil {
		return factory
	}

	meter := otel.GetMeterProvider().Meter("meridian.default")

	defaultFactory, err := metrics.NewMetricsFactory(meter, &log.NopLogger{})
	if err != nil {
		return metrics.NewNopFactory()
	}

	return defaultFactory
}

// WithTimeoutSafe creates a context with the specified timeout while
// respecting any existing deadline in the parent context. When the parent's
// deadline is shorter than the requested timeout, the returned context
// inherits the parent's deadline instead of extending it.
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
