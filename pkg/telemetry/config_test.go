// ABOUTME: Tests for telemetry configuration defaults, environment overrides and validation

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "triekv", cfg.ServiceName)
	assert.True(t, cfg.HasExporter(ExporterPrometheus))
	assert.False(t, cfg.HasExporter(ExporterOTLP))
}

func TestConfigLoadFromEnv(t *testing.T) {
	t.Setenv("TRIEKV_TELEMETRY_SERVICE_NAME", "edge")
	t.Setenv("TRIEKV_TELEMETRY_ENABLED", "false")
	t.Setenv("TRIEKV_TELEMETRY_EXPORTERS", "stdout, otlp")
	t.Setenv("TRIEKV_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("TRIEKV_TELEMETRY_BATCH_TIMEOUT", "2s")
	t.Setenv("TRIEKV_TELEMETRY_EXPORT_INTERVAL", "not-a-duration")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, "edge", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, []string{"stdout", "otlp"}, cfg.Exporters)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.Equal(t, 2*time.Second, cfg.BatchTimeout)
	assert.Equal(t, time.Minute, cfg.ExportInterval)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }},
		{"sample rate above one", func(c *Config) { c.SampleRate = 1.5 }},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }},
		{"zero export interval", func(c *Config) { c.ExportInterval = 0 }},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }},
		{"zero queue size", func(c *Config) { c.MaxQueueSize = 0 }},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
