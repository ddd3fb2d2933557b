package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected NoopTelemetry for disabled config, got %T", tel)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 2
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestProviderRecordsAndShutsDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{ExporterPrometheus}
	cfg.PrometheusPort = 0

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	provider, ok := tel.(*TelemetryProvider)
	if !ok {
		t.Fatalf("Expected *TelemetryProvider, got %T", tel)
	}
	if provider.MetricsAddr() == "" {
		t.Error("Expected prometheus endpoint to be listening")
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{attribute.String(AttrComponent, ComponentMVHashMap)}
	tel.RecordCounter(ctx, "mvds.test.counter", 3, attrs...)
	tel.RecordCounter(ctx, "mvds.test.counter", 1, attrs...)
	tel.RecordHistogram(ctx, "mvds.test.latency", 0.5, attrs...)

	spanCtx, span := tel.StartSpan(ctx, "test.span", attrs...)
	if spanCtx == nil {
		t.Error("Expected non-nil span context")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
