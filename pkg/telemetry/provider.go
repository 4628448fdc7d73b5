// ABOUTME: OpenTelemetry provider with meter and tracer setup backed by the SDK
// ABOUTME: Caches instruments by name and owns the Prometheus registry served on /metrics

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/triekv"

// TelemetryProvider implements the Telemetry interface using the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	histograms sync.Map // name -> metric.Float64Histogram
	counters   sync.Map // name -> metric.Int64Counter

	gaugeMu sync.Mutex
	gauges  []metric.Registration
}

// New creates a telemetry implementation for cfg. Disabled telemetry yields a no-op.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	return NewProvider(context.Background(), cfg)
}

// NewProvider builds the meter and tracer providers described by cfg
func NewProvider(ctx context.Context, cfg Config) (*TelemetryProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	registry := prometheus.NewRegistry()
	readers, err := createMetricReaders(cfg, registry)
	if err != nil {
		return nil, err
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}

	exporters, err := createTraceExporters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, e := range exporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(e,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}

	mp := sdkmetric.NewMeterProvider(metricOpts...)
	tp := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		registry:       registry,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
	}, nil
}

// Config returns the configuration the provider was built with
func (p *TelemetryProvider) Config() Config {
	return p.config
}

// MetricsHandler serves the Prometheus registry of the provider
func (p *TelemetryProvider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// RecordHistogram records value on the histogram called name
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if h, ok := p.histograms.Load(name); ok {
		h.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	actual, _ := p.histograms.LoadOrStore(name, h)
	actual.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the counter called name
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	if c, ok := p.counters.Load(name); ok {
		c.(metric.Int64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
		return
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return
	}
	actual, _ := p.counters.LoadOrStore(name, c)
	actual.(metric.Int64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
}

// RegisterGauge reports fn as an observable gauge at every collection
func (p *TelemetryProvider) RegisterGauge(name string, fn func() int64, attrs ...attribute.KeyValue) error {
	g, err := p.meter.Int64ObservableGauge(name)
	if err != nil {
		return err
	}
	reg, err := p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, fn(), metric.WithAttributes(attrs...))
		return nil
	}, g)
	if err != nil {
		return err
	}
	p.gaugeMu.Lock()
	p.gauges = append(p.gauges, reg)
	p.gaugeMu.Unlock()
	return nil
}

// StartSpan starts a span on the provider's tracer
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and metrics and stops both providers
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	p.gaugeMu.Lock()
	var errs []error
	for _, reg := range p.gauges {
		errs = append(errs, reg.Unregister())
	}
	p.gauges = nil
	p.gaugeMu.Unlock()

	errs = append(errs, p.tracerProvider.Shutdown(ctx), p.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}
