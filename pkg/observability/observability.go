// Package observability wires OpenTelemetry tracing and metrics for
// the engine. It exports RED-style counters and histograms for the
// two hot paths, source fetches and category reconciliations, over
// OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "healthsignal.sentinel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sentinel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider owns the trace and metric providers plus the engine's
// instruments. A disabled provider is a safe no-op: every Record
// method checks its instrument for nil.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	fetchCounter     metric.Int64Counter
	fetchErrors      metric.Int64Counter
	fetchDuration    metric.Float64Histogram
	reconcileCounter metric.Int64Counter
	reconcileLatency metric.Float64Histogram
	confidenceHist   metric.Float64Histogram
}

// New initializes the providers and registers them globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, fmt.Errorf("init traces: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.fetchCounter, err = p.meter.Int64Counter("sentinel.fetch.total",
		metric.WithDescription("Source fetch attempts"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	p.fetchErrors, err = p.meter.Int64Counter("sentinel.fetch.errors",
		metric.WithDescription("Source fetch failures by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.fetchDuration, err = p.meter.Float64Histogram("sentinel.fetch.duration",
		metric.WithDescription("Source fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 15.0),
	)
	if err != nil {
		return err
	}

	p.reconcileCounter, err = p.meter.Int64Counter("sentinel.reconcile.total",
		metric.WithDescription("Category reconciliations by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.reconcileLatency, err = p.meter.Float64Histogram("sentinel.reconcile.duration",
		metric.WithDescription("End-to-end reconciliation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.confidenceHist, err = p.meter.Float64Histogram("sentinel.reconcile.confidence",
		metric.WithDescription("Confidence score distribution of served answers"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	return err
}

// RecordFetch records one fetch attempt. failureKind is empty on
// success.
func (p *Provider) RecordFetch(ctx context.Context, sourceID, failureKind string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("source.id", sourceID)}
	if p.fetchCounter != nil {
		p.fetchCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if failureKind != "" && p.fetchErrors != nil {
		p.fetchErrors.Add(ctx, 1, metric.WithAttributes(
			append(attrs, attribute.String("error.kind", failureKind))...))
	}
	if p.fetchDuration != nil {
		p.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordReconcile records one reconciliation outcome.
func (p *Provider) RecordReconcile(ctx context.Context, category, outcome string, confidence float64, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	}
	if p.reconcileCounter != nil {
		p.reconcileCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.reconcileLatency != nil {
		p.reconcileLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if outcome != "error" && p.confidenceHist != nil {
		p.confidenceHist.Record(ctx, confidence,
			metric.WithAttributes(attribute.String("category", category)))
	}
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// StartSpan starts a span on the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
