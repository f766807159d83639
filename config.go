package httptel

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ExporterType defines the telemetry exporter to use.
type ExporterType string

const (
	// ExporterOTLP exports to an OTLP-compatible collector over gRPC (recommended).
	ExporterOTLP ExporterType = "otlp"
	// ExporterZipkin exports spans directly to Zipkin. Metrics still use OTLP.
	ExporterZipkin ExporterType = "zipkin"
	// ExporterStdout writes telemetry to standard output. Useful for local development.
	ExporterStdout ExporterType = "stdout"
	// ExporterNone disables exporting (useful for testing).
	ExporterNone ExporterType = "none"
)

// SamplerType defines the sampling strategy.
type SamplerType string

const (
	// SamplerAlways samples all traces.
	SamplerAlways SamplerType = "always"
	// SamplerNever samples no traces.
	SamplerNever SamplerType = "never"
	// SamplerRatio samples a percentage of traces.
	SamplerRatio SamplerType = "ratio"
	// SamplerParentBased respects the parent span's sampling decision.
	SamplerParentBased SamplerType = "parent"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this service in traces and metrics. Required.
	ServiceName string

	// ServiceVersion is the version of this service (optional).
	ServiceVersion string

	// Environment identifies the deployment environment (e.g., "production", "staging").
	Environment string

	// Endpoint is the collector endpoint (e.g., "localhost:4317" for OTLP).
	// Required unless Exporter is ExporterStdout or ExporterNone.
	Endpoint string

	// Exporter selects the telemetry exporter. Defaults to OTLP.
	Exporter ExporterType

	// Insecure disables TLS for the exporter connection.
	// Set to true for local development.
	Insecure bool

	// Sampler selects the sampling strategy. Defaults to SamplerAlways.
	Sampler SamplerType

	// SampleRatio is the sampling ratio when Sampler is SamplerRatio.
	// Value between 0.0 and 1.0. Defaults to 1.0.
	SampleRatio float64

	// EnableTracing enables per-request server spans. Defaults to true.
	EnableTracing bool

	// EnableMetrics enables the http.server.* instruments.
	EnableMetrics bool

	// Headers are additional headers to send with OTLP exports (e.g., authentication).
	Headers map[string]string

	// ResourceAttributes are additional attributes attached to all telemetry.
	ResourceAttributes map[string]string

	// Propagator overrides the wire format used to extract inbound trace
	// context. When nil, a composite of W3C TraceContext and Baggage is used.
	Propagator propagation.TextMapPropagator

	// TracerProvider, when set, is used instead of building one from Endpoint
	// and Exporter. The provider does not take ownership of its shutdown.
	// Intended for tests and applications with an existing trace pipeline.
	TracerProvider trace.TracerProvider

	// MeterProvider, when set, is used instead of building one from Endpoint
	// and Exporter. Same ownership rules as TracerProvider.
	MeterProvider metric.MeterProvider

	// Logger receives exporter errors and lifecycle events. Optional.
	Logger *zap.Logger
}

// Validate checks that the configuration is valid and fills in defaults.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("httptel: ServiceName is required")
	}

	// Default exporter to OTLP
	if c.Exporter == "" {
		c.Exporter = ExporterOTLP
	}

	switch c.Exporter {
	case ExporterOTLP, ExporterZipkin, ExporterStdout, ExporterNone:
		// Valid
	default:
		return errors.New("httptel: invalid Exporter type: " + string(c.Exporter))
	}

	// Endpoint required only when something is actually exported over the
	// network and no provider was injected.
	needsEndpoint := c.Exporter == ExporterOTLP || c.Exporter == ExporterZipkin
	if needsEndpoint && c.Endpoint == "" && c.TracerProvider == nil && c.MeterProvider == nil {
		return errors.New("httptel: Endpoint is required when exporter is enabled")
	}

	// Default sampler to always
	if c.Sampler == "" {
		c.Sampler = SamplerAlways
	}

	switch c.Sampler {
	case SamplerAlways, SamplerNever, SamplerRatio, SamplerParentBased:
		// Valid
	default:
		return errors.New("httptel: invalid Sampler type: " + string(c.Sampler))
	}

	// Default sample ratio to 1.0
	if c.SampleRatio == 0 {
		c.SampleRatio = 1.0
	}

	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("httptel: SampleRatio must be between 0.0 and 1.0")
	}

	// Default EnableTracing to true when nothing is enabled
	if !c.EnableMetrics && !c.EnableTracing {
		c.EnableTracing = true
	}

	return nil
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("httptel.Config{")
	b.WriteString("ServiceName: " + c.ServiceName)
	if c.ServiceVersion != "" {
		b.WriteString(", Version: " + c.ServiceVersion)
	}
	if c.Environment != "" {
		b.WriteString(", Env: " + c.Environment)
	}
	b.WriteString(", Exporter: " + string(c.Exporter))
	if c.Endpoint != "" {
		b.WriteString(", Endpoint: " + c.Endpoint)
	}
	b.WriteString(", Sampler: " + string(c.Sampler))
	b.WriteString("}")
	return b.String()
}
