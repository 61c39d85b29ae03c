package emit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns lifecycle events into OpenTelemetry spans.
//
// Each event becomes an instantaneous span with:
//   - Span name: the event type (e.g., "TASK_STARTED")
//   - Attributes: migration.workflow_id, migration.task_id, migration.step,
//     migration.attempts, migration.delay_ms, migration.error_kind and Meta fields
//   - Status: Error for events carrying an error
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("migrate-go"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span and ends it immediately.
//
// If Meta contains "duration_ms", the span start is moved back by that
// amount so the span covers the task's run time.
func (o *OTelEmitter) Emit(event Event) {
	end := event.Time
	if end.IsZero() {
		end = time.Now()
	}
	start := end
	if d, ok := durationMeta(event.Meta); ok {
		start = end.Add(-d)
	}

	_, span := o.tracer.Start(context.Background(), string(event.Type), trace.WithTimestamp(start))
	defer span.End(trace.WithTimestamp(end))

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if event.Error != "" && event.Type != TaskRetrying {
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	}
}

// Flush forces export of buffered spans when the global provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("migration.workflow_id", event.WorkflowID),
		attribute.Int("migration.step", event.Step),
	)
	if event.TaskID != "" {
		span.SetAttributes(attribute.String("migration.task_id", event.TaskID))
	}
	if event.Attempts > 0 {
		span.SetAttributes(attribute.Int("migration.attempts", event.Attempts))
	}
	if event.DelayMs > 0 {
		span.SetAttributes(attribute.Int64("migration.delay_ms", event.DelayMs))
	}
	if event.Kind != "" {
		span.SetAttributes(attribute.String("migration.error_kind", event.Kind))
	}
	if event.Error != "" {
		span.SetAttributes(attribute.String("migration.error", event.Error))
	}
}

// addMetadataAttributes converts Meta values to span attributes.
//   - string, int, int64, float64, bool: direct conversion
//   - time.Duration: milliseconds
//   - anything else: fmt %v
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(key, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}

func durationMeta(meta map[string]interface{}) (time.Duration, bool) {
	switch v := meta["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return 0, false
}
