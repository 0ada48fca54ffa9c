package observer

import (
	"context"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedInvoker wraps a deckhand.ToolInvoker with OTEL instrumentation.
type ObservedInvoker struct {
	inner deckhand.ToolInvoker
	inst  *Instruments
}

// WrapInvoker returns an instrumented tool invoker.
func WrapInvoker(inner deckhand.ToolInvoker, inst *Instruments) *ObservedInvoker {
	return &ObservedInvoker{inner: inner, inst: inst}
}

func (o *ObservedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool invoked"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ deckhand.ToolInvoker = (*ObservedInvoker)(nil)
