package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ravintola/ordersync/internal/domain"
)

const meterName = "github.com/ravintola/ordersync/internal/platform/observability"

// EventEmitter records lifecycle events as structured log lines, span events and an OpenTelemetry
// counter keyed by event name and outcome.
type EventEmitter struct {
	logger  *zap.Logger
	counter metric.Int64Counter
}

// NewEventEmitter builds an emitter. A nil meter uses the global provider.
func NewEventEmitter(logger *zap.Logger, meter metric.Meter) (*EventEmitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	counter, err := meter.Int64Counter(
		"ordersync.lifecycle.events",
		metric.WithDescription("Order lifecycle events by name and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create lifecycle counter: %w", err)
	}
	return &EventEmitter{logger: logger.Named("lifecycle"), counter: counter}, nil
}

// Emit implements services.EventSink.
func (e *EventEmitter) Emit(ctx context.Context, event domain.LifecycleEvent) {
	if e == nil {
		return
	}
	outcome := event.Outcome
	if outcome == "" {
		outcome = "ok"
	}

	fields := make([]zap.Field, 0, len(event.Fields)+4)
	fields = append(fields, zap.String("outcome", outcome))
	if event.OrderID != "" {
		fields = append(fields, zap.String("order_id", event.OrderID))
	}
	if event.EventID != "" {
		fields = append(fields, zap.String("event_id", event.EventID))
	}
	if event.Transition != "" {
		fields = append(fields, zap.String("transition", event.Transition))
	}
	for key, value := range event.Fields {
		fields = append(fields, zap.Any(key, value))
	}
	FromContext(ctx, e.logger).Info(event.Name, fields...)

	attrs := []attribute.KeyValue{
		attribute.String("name", event.Name),
		attribute.String("outcome", outcome),
	}
	e.counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(event.Name, trace.WithAttributes(append(attrs, attribute.String("order_id", event.OrderID))...))
	}
}
