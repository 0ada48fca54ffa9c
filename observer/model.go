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

// ObservedModel wraps a deckhand.LanguageModel with OTEL instrumentation.
type ObservedModel struct {
	inner        deckhand.LanguageModel
	inst         *Instruments
	defaultModel string
}

// WrapModel returns an instrumented model that emits traces, metrics,
// and logs. defaultModel labels calls whose request carries no model.
func WrapModel(inner deckhand.LanguageModel, defaultModel string, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, inst: inst, defaultModel: defaultModel}
}

func (o *ObservedModel) Name() string { return o.inner.Name() }

func (o *ObservedModel) model(req deckhand.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.defaultModel
}

func (o *ObservedModel) Chat(ctx context.Context, req deckhand.ChatRequest) (deckhand.ChatResponse, error) {
	model := o.model(req)
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	spanName := "llm.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, model, method, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedModel) ChatStream(ctx context.Context, req deckhand.ChatRequest, ch chan<- string) (deckhand.ChatResponse, error) {
	model := o.model(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Count deltas through a forwarding channel. The caller owns ch and
	// closes nothing; neither do we. Buffer generously so the inner
	// model never blocks on send while the caller drains slowly.
	bufSize := max(cap(ch), 64)
	wrapped := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range wrapped {
			chunks++
			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, wrapped)
	close(wrapped)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, model, "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage deckhand.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ deckhand.LanguageModel = (*ObservedModel)(nil)
