// Package observability wires OpenTelemetry traces and metrics for ingestion
// runs. Without an OTLP endpoint the provider records nothing but stays safe
// to call.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "eve.evidence"

// Day outcomes recorded by RecordDay.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeParseFailed = "parse_failed"
)

// Config configures the providers. Export is enabled when OTLPEndpoint is set.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // host:port, gRPC
	Insecure       bool
	BatchTimeout   time.Duration
	ExportInterval time.Duration
}

// Provider holds the tracer, meter and ingestion instruments.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	shutdown []func(context.Context) error

	days     metric.Int64Counter
	rows     metric.Int64Counter
	seals    metric.Int64Counter
	ops      metric.Int64Counter
	errs     metric.Int64Counter
	duration metric.Float64Histogram
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	p, _ := newProvider(tracenoop.NewTracerProvider(), noop.NewMeterProvider(), nil)
	return p
}

// New builds OTLP exporters for cfg, or a noop provider when no endpoint is
// configured.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "observability")
	if cfg.OTLPEndpoint == "" {
		logger.DebugContext(ctx, "telemetry export disabled")
		return Noop(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "eve"
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.ExportInterval == 0 {
		cfg.ExportInterval = 15 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spanExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := newProvider(tp, mp, logger)
	if err != nil {
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "insecure", cfg.Insecure)
	return p, nil
}

func newProvider(tp trace.TracerProvider, mp metric.MeterProvider, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: logger,
	}
	var err error
	if p.days, err = p.meter.Int64Counter("eve.ingest.days",
		metric.WithDescription("Delivery days processed, by outcome"),
		metric.WithUnit("{day}")); err != nil {
		return nil, err
	}
	if p.rows, err = p.meter.Int64Counter("eve.ingest.rows",
		metric.WithDescription("Canonical rows accepted"),
		metric.WithUnit("{row}")); err != nil {
		return nil, err
	}
	if p.seals, err = p.meter.Int64Counter("eve.vault.appends",
		metric.WithDescription("Records appended to a vault ledger"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if p.ops, err = p.meter.Int64Counter("eve.operations.total",
		metric.WithDescription("Operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if p.errs, err = p.meter.Int64Counter("eve.errors.total",
		metric.WithDescription("Operations that failed"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if p.duration, err = p.meter.Float64Histogram("eve.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120)); err != nil {
		return nil, err
	}
	return p, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordDay counts one processed day and its accepted rows.
func (p *Provider) RecordDay(ctx context.Context, zone, outcome string, rows int) {
	attrs := metric.WithAttributes(attribute.String("zone", zone), attribute.String("outcome", outcome))
	p.days.Add(ctx, 1, attrs)
	if rows > 0 {
		p.rows.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("zone", zone)))
	}
}

// RecordSeal counts one ledger append.
func (p *Provider) RecordSeal(ctx context.Context, ledger string) {
	p.seals.Add(ctx, 1, metric.WithAttributes(attribute.String("ledger", ledger)))
}

// TrackOperation starts a span and returns the function that ends it,
// recording duration and the error if any.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)...)
	p.ops.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			span.RecordError(err)
			p.errs.Add(ctx, 1, opAttrs)
		}
		span.End()
	}
}

// Shutdown flushes and stops exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			p.logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
