// Monitoring configuration - logging and tracing settings.
//
// DESIGN: Separates logging (zerolog) from tracing (OpenTelemetry).
// Logging is for operators; traces follow one request through the upstream.
package config

import (
	"fmt"
	"time"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Tracing settings
	TracingEnabled bool   `yaml:"tracing_enabled"` // Export spans
	TracingOutput  string `yaml:"tracing_output"`  // stdout, stderr, or file path
	ServiceName    string `yaml:"service_name"`    // Resource service.name

	// Telemetry settings
	TelemetryEnabled bool   `yaml:"telemetry_enabled"` // Write request events
	TelemetryPath    string `yaml:"telemetry_path"`    // JSONL output path
	LogToStdout      bool   `yaml:"log_to_stdout"`     // Also log each event

	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`

	VerbosePayloads bool `yaml:"verbose_payloads"` // Log request bodies at debug level
}

// Validate checks the monitoring settings.
func (c *MonitoringConfig) Validate() error {
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid monitoring.log_format: %q (must be json or console)", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid monitoring.log_level: %q", c.LogLevel)
	}
	if c.TelemetryEnabled && c.TelemetryPath == "" && !c.LogToStdout {
		return fmt.Errorf("monitoring.telemetry_path is required when telemetry is enabled")
	}
	if c.HighLatencyThreshold < 0 {
		return fmt.Errorf("monitoring.high_latency_threshold must not be negative")
	}
	return nil
}
