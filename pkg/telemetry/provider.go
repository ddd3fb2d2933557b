// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for mvds telemetry
// ABOUTME: Handles provider lifecycle, resource attributes, instrument caching and the Prometheus endpoint

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TelemetryProvider implements the Telemetry interface using the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	metricsServer  *http.Server
	metricsAddr    string

	histograms sync.Map // name -> metric.Float64Histogram
	counters   sync.Map // name -> metric.Int64Counter
}

// New creates a Telemetry for the given configuration. A disabled
// configuration yields the no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	resource := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	readers, promHandler, err := createMetricReaders(cfg)
	if err != nil {
		return nil, err
	}
	spanExporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(resource)}
	for _, reader := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exporter := range spanExporters {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)

	p := &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(cfg.ServiceName),
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
	}

	if promHandler != nil {
		if err := p.serveMetrics(promHandler); err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
	}

	return p, nil
}

// serveMetrics exposes the Prometheus registry on /metrics.
func (p *TelemetryProvider) serveMetrics(handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", p.config.PrometheusPort))
	if err != nil {
		return fmt.Errorf("failed to listen for prometheus metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	p.metricsServer = &http.Server{Handler: mux}
	p.metricsAddr = listener.Addr().String()

	go func() {
		if err := p.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(err)
		}
	}()
	return nil
}

// MetricsAddr returns the address of the Prometheus endpoint, if any.
func (p *TelemetryProvider) MetricsAddr() string {
	return p.metricsAddr
}

// RecordHistogram records a value on the named histogram.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if ctx == nil {
		ctx = context.Background()
	}

	var histogram metric.Float64Histogram
	if h, ok := p.histograms.Load(name); ok {
		histogram = h.(metric.Float64Histogram)
	} else {
		h, err := p.meter.Float64Histogram(name)
		if err != nil {
			otel.Handle(err)
			return
		}
		actual, _ := p.histograms.LoadOrStore(name, h)
		histogram = actual.(metric.Float64Histogram)
	}

	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	if ctx == nil {
		ctx = context.Background()
	}

	var counter metric.Int64Counter
	if c, ok := p.counters.Load(name); ok {
		counter = c.(metric.Int64Counter)
	} else {
		c, err := p.meter.Int64Counter(name)
		if err != nil {
			otel.Handle(err)
			return
		}
		actual, _ := p.counters.LoadOrStore(name, c)
		counter = actual.(metric.Int64Counter)
	}

	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes pending telemetry and stops the providers and the metrics endpoint.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.metricsServer != nil {
		if err := p.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	return errors.Join(errs...)
}
