package httptel

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// envConfig mirrors the OTEL_* environment variables understood by FromEnv.
type envConfig struct {
	ServiceName    string            `envconfig:"OTEL_SERVICE_NAME"`
	ServiceVersion string            `envconfig:"OTEL_SERVICE_VERSION"`
	Environment    string            `envconfig:"OTEL_ENVIRONMENT"`
	Endpoint       string            `envconfig:"OTEL_ENDPOINT"`
	Exporter       string            `envconfig:"OTEL_EXPORTER" default:"otlp"`
	Insecure       bool              `envconfig:"OTEL_INSECURE"`
	Sampler        string            `envconfig:"OTEL_SAMPLER" default:"always"`
	SampleRatio    float64           `envconfig:"OTEL_SAMPLE_RATIO" default:"1.0"`
	EnableTracing  bool              `envconfig:"OTEL_TRACING_ENABLED" default:"true"`
	EnableMetrics  bool              `envconfig:"OTEL_METRICS_ENABLED"`
	Headers        map[string]string `envconfig:"OTEL_EXPORTER_HEADERS"`
}

// Option configures a Config built by FromEnv.
type Option func(*Config)

// FromEnv builds a Config from OTEL_* environment variables, then applies
// the given options on top. The result is not yet validated; New does that.
func FromEnv(opts ...Option) (Config, error) {
	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		return Config{}, fmt.Errorf("httptel: reading environment: %w", err)
	}

	cfg := Config{
		ServiceName:    env.ServiceName,
		ServiceVersion: env.ServiceVersion,
		Environment:    env.Environment,
		Endpoint:       env.Endpoint,
		Exporter:       ExporterType(env.Exporter),
		Insecure:       env.Insecure,
		Sampler:        SamplerType(env.Sampler),
		SampleRatio:    env.SampleRatio,
		EnableTracing:  env.EnableTracing,
		EnableMetrics:  env.EnableMetrics,
		Headers:        env.Headers,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg, nil
}

// WithServiceName sets the service name.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithServiceVersion sets the service version.
func WithServiceVersion(version string) Option {
	return func(c *Config) {
		c.ServiceVersion = version
	}
}

// WithEnvironment sets the deployment environment.
func WithEnvironment(env string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithOTLPExporter configures OTLP export to the given endpoint.
func WithOTLPExporter(endpoint string, insecure bool) Option {
	return func(c *Config) {
		c.Exporter = ExporterOTLP
		c.Endpoint = endpoint
		c.Insecure = insecure
	}
}

// WithZipkinExporter configures Zipkin span export to the given endpoint.
func WithZipkinExporter(endpoint string) Option {
	return func(c *Config) {
		c.Exporter = ExporterZipkin
		c.Endpoint = endpoint
	}
}

// WithStdoutExporter writes telemetry to standard output.
func WithStdoutExporter() Option {
	return func(c *Config) {
		c.Exporter = ExporterStdout
	}
}

// WithMetrics enables the http.server.* instruments.
func WithMetrics() Option {
	return func(c *Config) {
		c.EnableMetrics = true
	}
}

// WithRatioSample configures ratio-based sampling.
func WithRatioSample(ratio float64) Option {
	return func(c *Config) {
		c.Sampler = SamplerRatio
		c.SampleRatio = ratio
	}
}

// WithLogger routes exporter errors and lifecycle events to the given logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
