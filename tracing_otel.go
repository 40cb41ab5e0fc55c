package chatgraph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/darkostanimirovic/chatgraph"

	langfuseTracesPath = "/api/public/otel/v1/traces"
)

// OTelTracer implements Tracer on OpenTelemetry, exporting over OTLP/HTTP.
type OTelTracer struct {
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
}

// OTelConfig holds configuration for OTLP export
type OTelConfig struct {
	// Endpoint is the collector base URL, e.g. "http://localhost:4318".
	Endpoint string
	// URLPath overrides the traces path (defaults to /v1/traces, or the Langfuse path when keys are set).
	URLPath string
	// Headers are sent with every export request.
	Headers map[string]string
	// LangfusePublicKey and LangfuseSecretKey add Basic auth for a Langfuse OTLP endpoint.
	LangfusePublicKey string
	LangfuseSecretKey string

	ServiceName    string
	ServiceVersion string
	Environment    string
}

// NewOTelTracer creates an exporting tracer and installs it as the global provider.
func NewOTelTracer(ctx context.Context, cfg OTelConfig) (*OTelTracer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("chatgraph: tracing endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chatgraph"
	}

	useInsecure := strings.HasPrefix(cfg.Endpoint, "http://")
	endpoint := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), "/")

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	urlPath := cfg.URLPath
	if cfg.LangfusePublicKey != "" || cfg.LangfuseSecretKey != "" {
		if cfg.LangfusePublicKey == "" || cfg.LangfuseSecretKey == "" {
			return nil, errors.New("chatgraph: both Langfuse public and secret keys are required")
		}
		auth := base64.StdEncoding.EncodeToString([]byte(cfg.LangfusePublicKey + ":" + cfg.LangfuseSecretKey))
		headers["Authorization"] = "Basic " + auth
		if urlPath == "" {
			urlPath = langfuseTracesPath
		}
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithHeaders(headers),
	}
	if urlPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(urlPath))
	}
	if useInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return NewOTelTracerFromProvider(tp), nil
}

// NewOTelTracerFromProvider wraps an existing provider. Tests pass one backed by a span recorder.
func NewOTelTracerFromProvider(tp *sdktrace.TracerProvider) *OTelTracer {
	return &OTelTracer{
		tracer:         tp.Tracer(tracerName),
		tracerProvider: tp,
	}
}

// StartTrace creates the root span of a turn
func (o *OTelTracer) StartTrace(ctx context.Context, name string, opts ...TraceOption) (context.Context, func()) {
	cfg := &TraceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	startTime := time.Now()
	if cfg.StartTime != nil {
		startTime = *cfg.StartTime
	}

	spanCtx, span := o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(startTime),
	)

	if cfg.SessionID != "" {
		span.SetAttributes(
			attribute.String("session.id", cfg.SessionID),
			attribute.String("chatgraph.thread_id", cfg.SessionID),
		)
	}
	if cfg.Input != nil {
		span.SetAttributes(attribute.String("chatgraph.input", jsonString(cfg.Input)))
	}
	for k, v := range cfg.Metadata {
		span.SetAttributes(attribute.String("chatgraph.metadata."+k, jsonString(v)))
	}

	return spanCtx, func() { span.End() }
}

// StartSpan creates a new span within the current trace
func (o *OTelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, func()) {
	cfg := &SpanConfig{Type: SpanTypeSpan}
	for _, opt := range opts {
		opt(cfg)
	}

	spanCtx, span := o.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("chatgraph.observation.type", string(cfg.Type)))
	if cfg.Input != nil {
		span.SetAttributes(attribute.String("chatgraph.observation.input", jsonString(cfg.Input)))
	}
	for k, v := range cfg.Metadata {
		span.SetAttributes(attribute.String("chatgraph.observation.metadata."+k, jsonString(v)))
	}

	return spanCtx, func() { span.End() }
}

// LogGeneration records a completion call as a span with GenAI attributes
func (o *OTelTracer) LogGeneration(ctx context.Context, opts GenerationOptions) error {
	_, span := o.tracer.Start(ctx, opts.Name, trace.WithTimestamp(opts.StartTime))
	defer span.End(trace.WithTimestamp(opts.EndTime))

	span.SetAttributes(attribute.String("chatgraph.observation.type", string(SpanTypeGeneration)))
	if opts.Model != "" {
		span.SetAttributes(attribute.String("gen_ai.request.model", opts.Model))
	}
	if opts.ModelParameters != nil {
		span.SetAttributes(attribute.String("gen_ai.request.parameters", jsonString(opts.ModelParameters)))
	}
	if opts.Input != nil {
		span.SetAttributes(attribute.String("gen_ai.prompt", jsonString(opts.Input)))
	}
	if opts.Output != nil {
		span.SetAttributes(attribute.String("gen_ai.completion", jsonString(opts.Output)))
	}
	if opts.Usage != nil {
		span.SetAttributes(
			attribute.Int("gen_ai.usage.input_tokens", opts.Usage.PromptTokens),
			attribute.Int("gen_ai.usage.output_tokens", opts.Usage.CompletionTokens),
			attribute.Int("gen_ai.usage.total_tokens", opts.Usage.TotalTokens),
		)
	}
	if opts.CompletionStartTime != nil {
		span.SetAttributes(attribute.String("chatgraph.completion_start_time", opts.CompletionStartTime.Format(time.RFC3339Nano)))
	}
	for k, v := range opts.Metadata {
		span.SetAttributes(attribute.String("chatgraph.observation.metadata."+k, jsonString(v)))
	}
	if opts.Level == LogLevelError {
		span.SetStatus(codes.Error, opts.StatusMessage)
	}
	return nil
}

// SetSpanOutput sets the output on the current span
func (o *OTelTracer) SetSpanOutput(ctx context.Context, output any) error {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || output == nil {
		return nil
	}
	span.SetAttributes(attribute.String("chatgraph.observation.output", jsonString(output)))
	return nil
}

// RecordError marks the current span as failed
func (o *OTelTracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Flush ensures all pending traces are sent
func (o *OTelTracer) Flush(ctx context.Context) error {
	return o.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter
func (o *OTelTracer) Shutdown(ctx context.Context) error {
	return o.tracerProvider.Shutdown(ctx)
}

func jsonString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
