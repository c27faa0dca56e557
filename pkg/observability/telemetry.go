// Package observability wraps the OpenTelemetry tracer and meter used by the
// relay.
package observability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgrelay/pkg/config"
	"tgrelay/pkg/publisher/failure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	instrumentationName = "tgrelay"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Telemetry records dispatch spans and publish metrics. The zero-config
// instance from Noop records nothing.
type Telemetry struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider

	messagesReceived metric.Int64Counter
	publishTotal     metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

// Option overrides a provider, mainly for tests.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider uses tp instead of the OTLP exporter or the no-op tracer.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider uses mp instead of the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// New builds telemetry from config. When telemetry is disabled and no
// providers are injected the result is a no-op.
func New(cfg config.TelemetryConfig, opts ...Option) (*Telemetry, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Telemetry{}

	var res *resource.Resource
	if cfg.Enabled && (o.tracerProvider == nil || o.meterProvider == nil) {
		var err error
		if res, err = newResource(cfg); err != nil {
			return nil, err
		}
	}

	switch {
	case o.tracerProvider != nil:
		t.tracer = o.tracerProvider.Tracer(instrumentationName)
	case cfg.Enabled:
		if err := t.initTracing(cfg, res); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	default:
		t.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}

	switch {
	case o.meterProvider != nil:
		t.meter = o.meterProvider.Meter(instrumentationName)
	case cfg.Enabled:
		if err := t.initMeterProvider(cfg, res); err != nil {
			_ = t.Shutdown(context.Background())
			return nil, fmt.Errorf("init meter provider: %w", err)
		}
	default:
		t.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}

	if err := t.initMetrics(); err != nil {
		_ = t.Shutdown(context.Background())
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return t, nil
}

// Noop returns telemetry that records nothing.
func Noop() *Telemetry {
	t, err := New(config.TelemetryConfig{})
	if err != nil {
		panic(fmt.Sprintf("noop telemetry: %v", err))
	}
	return t
}

func newResource(cfg config.TelemetryConfig) (*resource.Resource, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = instrumentationName
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func (t *Telemetry) initTracing(cfg config.TelemetryConfig, res *resource.Resource) error {
	clientOpts := []otlptracehttp.Option{}
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		if strings.Contains(endpoint, "://") {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpoint(endpoint))
		}
	}
	if len(cfg.OTLPHeaders) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return fmt.Errorf("create exporter: %w", err)
	}

	t.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(t.traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.tracer = t.traceProvider.Tracer(instrumentationName, trace.WithSchemaURL(semconv.SchemaURL))
	return nil
}

// initMeterProvider exports metrics over OTLP HTTP to the same collector as
// traces.
func (t *Telemetry) initMeterProvider(cfg config.TelemetryConfig, res *resource.Resource) error {
	exporterOpts := []otlpmetrichttp.Option{}
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		if strings.Contains(endpoint, "://") {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithEndpointURL(endpoint))
		} else {
			exporterOpts = append(exporterOpts, otlpmetrichttp.WithEndpoint(endpoint))
		}
	}
	if len(cfg.OTLPHeaders) > 0 {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithHeaders(cfg.OTLPHeaders))
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.MetricIntervalSeconds > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(time.Duration(cfg.MetricIntervalSeconds)*time.Second))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(t.meterProvider)

	t.meter = t.meterProvider.Meter(instrumentationName, metric.WithSchemaURL(semconv.SchemaURL))
	return nil
}

func (t *Telemetry) initMetrics() error {
	var err error

	t.messagesReceived, err = t.meter.Int64Counter(
		"tgrelay_messages_received_total",
		metric.WithDescription("Total number of messages handed to the dispatcher"),
	)
	if err != nil {
		return fmt.Errorf("create messages_received counter: %w", err)
	}

	t.publishTotal, err = t.meter.Int64Counter(
		"tgrelay_publish_total",
		metric.WithDescription("Total number of publish attempts by outcome"),
	)
	if err != nil {
		return fmt.Errorf("create publish counter: %w", err)
	}

	t.publishDuration, err = t.meter.Float64Histogram(
		"tgrelay_publish_duration_seconds",
		metric.WithDescription("Duration of single publish attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create publish_duration histogram: %w", err)
	}

	return nil
}

// StartDispatch opens the parent span for one fan-out.
func (t *Telemetry) StartDispatch(ctx context.Context, dispatchID string, chatID string, publishers int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "relay.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tgrelay.dispatch.id", dispatchID),
			attribute.String("tgrelay.chat.id", chatID),
			attribute.Int("tgrelay.publishers.count", publishers),
		),
	)
}

// StartPublish opens a child span for one publisher.
func (t *Telemetry) StartPublish(ctx context.Context, publisher string, index int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "relay.publish",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tgrelay.publisher", publisher),
			attribute.Int("tgrelay.publisher.index", index),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func (t *Telemetry) EndSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordReceived counts one message entering the dispatcher.
func (t *Telemetry) RecordReceived(ctx context.Context) {
	t.messagesReceived.Add(ctx, 1)
}

// RecordPublish counts one publish attempt and its duration.
func (t *Telemetry) RecordPublish(ctx context.Context, publisher string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	category := ""
	if err != nil {
		outcome = OutcomeFailure
		category = failure.CategoryFromError(err)
	}

	attrs := metric.WithAttributes(
		attribute.String("publisher", publisher),
		attribute.String("outcome", outcome),
		attribute.String("category", category),
	)
	t.publishTotal.Add(ctx, 1, attrs)
	t.publishDuration.Record(ctx, duration.Seconds(), attrs)
}

// Shutdown flushes pending spans and metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.traceProvider != nil {
		if err := t.traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
