package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftdb/driftdb/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics, and event publishing for a
// driftdb process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.Service())
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events, logger.Zerolog())
	if err != nil {
		return nil, err
	}
	events.AttachMetrics(metrics)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components: the event
// publisher first so its final events still reach subscribers, then the
// tracer, then the metrics endpoint.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return t.Metrics.StopMetricsServer(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// ObserveEvents subscribes to the event publisher and keeps the merge
// metrics (started/completed counters, durations, conflict counts, head
// gauge) current from the event stream. The strategy name labels the
// started counter. The returned stop function ends the observation and
// waits for the observer goroutine to exit.
func (t *Telemetry) ObserveEvents(ctx context.Context, strategy string) (func(), error) {
	ch, id, err := t.Events.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		starts := make(map[string]time.Time)
		for event := range ch {
			t.recordEventMetrics(&event, strategy, starts)
		}
	}()

	return func() {
		_ = t.Events.Unsubscribe(ctx, id)
		<-done
	}, nil
}

func (t *Telemetry) recordEventMetrics(event *engine.Event, strategy string, starts map[string]time.Time) {
	pair := string(event.Left) + "\x00" + string(event.Right)

	switch event.Type {
	case engine.EventTypeMergeStarted:
		starts[pair] = event.Timestamp
		t.Metrics.RecordMergeStarted(strategy)

	case engine.EventTypeMergeCompleted:
		t.Metrics.RecordMergeCompleted("ok", sinceStart(starts, pair, event.Timestamp))

	case engine.EventTypeMergeCancelled:
		t.Metrics.RecordMergeCompleted("cancelled", sinceStart(starts, pair, event.Timestamp))

	case engine.EventTypeMergeFailed:
		status := "failed"
		if s, ok := event.Details["status"].(string); ok && s != "" {
			status = s
		}
		t.Metrics.RecordMergeCompleted(status, sinceStart(starts, pair, event.Timestamp))

	case engine.EventTypeConflictDetected:
		t.Metrics.RecordConflicts(detailInt(event.Details, "conflicts", 1))

	case engine.EventTypeHeadsConverged:
		t.Metrics.SetHeads(float64(detailInt(event.Details, "heads", 0)))
	}
}

// sinceStart returns the elapsed time between a merge pair's recorded
// start and end, consuming the start entry. Unmatched ends yield zero.
func sinceStart(starts map[string]time.Time, pair string, end time.Time) time.Duration {
	start, ok := starts[pair]
	if !ok {
		return 0
	}
	delete(starts, pair)
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

func detailInt(details map[string]interface{}, key string, fallback int) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext carries the pieces of one instrumented operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing,
// and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := tel.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithSessionContext opens a resolver session scope: a session span, a
// session-tagged logger in the context, and the active-session gauge.
// The returned end function closes the scope.
func WithSessionContext(ctx context.Context, sessionID, resolverName, target string) (context.Context, func(err error)) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx, func(error) {}
	}

	spanCtx, span := tel.Tracer.StartSessionSpan(ctx, sessionID, target)
	span.SetAttributes(AttrResolverName.String(resolverName))

	logger := tel.Logger.WithSessionID(sessionID).WithResolver(resolverName, target)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.SessionOpened()

	return spanCtx, func(err error) {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
		tel.Metrics.SessionClosed()
	}
}

// RecordStorageOperation runs fn under a storage span and records its
// duration and outcome.
func RecordStorageOperation(ctx context.Context, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartStorageSpan(ctx, operation)
	defer span.End()

	timer := NewTimer()
	err := fn()

	status := "ok"
	if err != nil {
		status = "error"
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	tel.Metrics.RecordStorageOp(operation, status, timer.Duration())

	return err
}
