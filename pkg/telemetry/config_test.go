package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServiceName != "mvds" {
		t.Errorf("Expected ServiceName 'mvds', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("Expected telemetry to be disabled by default")
	}
	if cfg.OTLPEndpoint != "localhost:4317" {
		t.Errorf("Expected OTLPEndpoint 'localhost:4317', got '%s'", cfg.OTLPEndpoint)
	}
	if !cfg.HasExporter(ExporterStdout) {
		t.Error("Expected stdout exporter by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MVDS_TELEMETRY_SERVICE_NAME", "bench")
	t.Setenv("MVDS_TELEMETRY_ENABLED", "true")
	t.Setenv("MVDS_TELEMETRY_EXPORTERS", "stdout, prometheus")
	t.Setenv("MVDS_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("MVDS_TELEMETRY_PROMETHEUS_PORT", "9200")
	t.Setenv("MVDS_TELEMETRY_BATCH_TIMEOUT", "250ms")
	t.Setenv("MVDS_TELEMETRY_EXPORT_TIMEOUT", "not-a-duration")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.ServiceName != "bench" {
		t.Errorf("Expected ServiceName 'bench', got '%s'", cfg.ServiceName)
	}
	if !cfg.Enabled {
		t.Error("Expected telemetry to be enabled")
	}
	if len(cfg.Exporters) != 2 || cfg.Exporters[1] != ExporterPrometheus {
		t.Errorf("Unexpected exporters: %v", cfg.Exporters)
	}
	if cfg.SampleRate != 0.25 {
		t.Errorf("Expected SampleRate 0.25, got %f", cfg.SampleRate)
	}
	if cfg.PrometheusPort != 9200 {
		t.Errorf("Expected PrometheusPort 9200, got %d", cfg.PrometheusPort)
	}
	if cfg.BatchTimeout != 250*time.Millisecond {
		t.Errorf("Expected BatchTimeout 250ms, got %s", cfg.BatchTimeout)
	}
	if cfg.ExportTimeout != 30*time.Second {
		t.Errorf("Invalid duration should leave ExportTimeout untouched, got %s", cfg.ExportTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.5 }},
		{"sample rate negative", func(c *Config) { c.SampleRate = -0.1 }},
		{"bad prometheus port", func(c *Config) {
			c.Exporters = []string{ExporterPrometheus}
			c.PrometheusPort = 70000
		}},
		{"empty otlp endpoint", func(c *Config) {
			c.Exporters = []string{ExporterOTLP}
			c.OTLPEndpoint = ""
		}},
		{"zero export timeout", func(c *Config) { c.ExportTimeout = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
