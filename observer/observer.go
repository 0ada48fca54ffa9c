// Package observer provides OTEL-based observability for the portal
// runtime.
//
// It wraps LanguageModel and ToolInvoker with instrumented versions
// that emit traces, metrics, and logs via OpenTelemetry, and decorates
// an AuditSink to derive run, approval, and guardrail metrics from the
// audit trail. Users export to any OTEL-compatible backend.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/deckhand-ai/deckhand/observer"

// Options configures the exporters built by Init.
type Options struct {
	// ServiceName defaults to "deckhand".
	ServiceName string
	// Endpoint is the OTLP HTTP endpoint (host:port). Empty falls back
	// to the standard OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string
	Insecure bool
	// Pricing overrides or extends DefaultPricing per model name.
	Pricing map[string]ModelPricing
}

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage        metric.Int64Counter
	CostTotal         metric.Float64Counter
	LLMRequests       metric.Int64Counter
	ToolInvocations   metric.Int64Counter
	RunExecutions     metric.Int64Counter
	ApprovalDecisions metric.Int64Counter
	GuardrailHalts    metric.Int64Counter

	// Histograms
	LLMDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram
	RunDuration  metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on exit.
func Init(ctx context.Context, opts Options) (*Instruments, func(context.Context) error, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "deckhand"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var traceOpts []otlptracehttp.Option
	var metricOpts []otlpmetrichttp.Option
	var logOpts []otlploghttp.Option
	if opts.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(opts.Endpoint))
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint))
		logOpts = append(logOpts, otlploghttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(opts.Pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolInvocations, err := meter.Int64Counter("tool.invocations",
		metric.WithDescription("Tool invocation count"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}

	runExecutions, err := meter.Int64Counter("workflow.runs",
		metric.WithDescription("Workflow runs by terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	approvalDecisions, err := meter.Int64Counter("approval.decisions",
		metric.WithDescription("Human approval decisions"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}

	guardrailHalts, err := meter.Int64Counter("guardrail.halts",
		metric.WithDescription("Requests blocked by a guardrail"),
		metric.WithUnit("{halt}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		TokenUsage:        tokenUsage,
		CostTotal:         costTotal,
		LLMRequests:       llmRequests,
		ToolInvocations:   toolInvocations,
		RunExecutions:     runExecutions,
		ApprovalDecisions: approvalDecisions,
		GuardrailHalts:    guardrailHalts,
		LLMDuration:       llmDuration,
		ToolDuration:      toolDuration,
		RunDuration:       runDuration,
		Cost:              NewCostCalculator(pricing),
	}, nil
}
