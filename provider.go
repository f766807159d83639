package httptel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Provider owns the tracer, meter, and propagator shared by every request
// flow. It is created once at startup and passed by reference; per-request
// state lives in the middleware, never here.
type Provider struct {
	config Config

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	ownsTracer     bool
	ownsMeter      bool

	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *serverMetrics
	propagator propagation.TextMapPropagator

	shutdownOnce sync.Once
	shutdown     bool
	mu           sync.RWMutex
}

// New creates a new instrumentation provider with the given configuration.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		config: cfg,
	}

	p.propagator = cfg.Propagator
	if p.propagator == nil {
		p.propagator = propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)
	}

	if cfg.Logger != nil {
		logger := cfg.Logger
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			logger.Warn("telemetry export error", zap.Error(err))
		}))
	}

	res, err := p.createResource()
	if err != nil {
		return nil, fmt.Errorf("httptel: failed to build resource: %w", err)
	}

	if cfg.EnableTracing {
		if err := p.initTracing(res); err != nil {
			return nil, fmt.Errorf("httptel: failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := p.initMetrics(res); err != nil {
			return nil, fmt.Errorf("httptel: failed to initialize metrics: %w", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("telemetry provider initialized",
			zap.String("service", cfg.ServiceName),
			zap.String("exporter", string(cfg.Exporter)),
			zap.Bool("tracing", cfg.EnableTracing),
			zap.Bool("metrics", cfg.EnableMetrics),
		)
	}

	return p, nil
}

// initTracing initializes the tracer provider.
func (p *Provider) initTracing(res *resource.Resource) error {
	if p.config.TracerProvider != nil {
		p.tracerProvider = p.config.TracerProvider
	} else {
		exporter, err := p.createSpanExporter(context.Background())
		if err != nil {
			return err
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(p.createSampler()),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		p.tracerProvider = sdktrace.NewTracerProvider(opts...)
		p.ownsTracer = true
	}

	p.tracer = p.tracerProvider.Tracer(
		p.config.ServiceName,
		trace.WithInstrumentationVersion(p.config.ServiceVersion),
	)

	return nil
}

// initMetrics initializes the meter provider and the http.server.* instruments.
func (p *Provider) initMetrics(res *resource.Resource) error {
	if p.config.MeterProvider != nil {
		p.meterProvider = p.config.MeterProvider
	} else {
		reader, err := p.createMetricReader(context.Background())
		if err != nil {
			return err
		}

		opts := []sdkmetric.Option{
			sdkmetric.WithResource(res),
		}
		if reader != nil {
			opts = append(opts, sdkmetric.WithReader(reader))
		}

		p.meterProvider = sdkmetric.NewMeterProvider(opts...)
		p.ownsMeter = true
	}

	p.meter = p.meterProvider.Meter(
		p.config.ServiceName,
		metric.WithInstrumentationVersion(p.config.ServiceVersion),
	)

	metrics, err := newServerMetrics(p.meter)
	if err != nil {
		return err
	}
	p.metrics = metrics

	return nil
}

// createSpanExporter creates the appropriate span exporter.
func (p *Provider) createSpanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch p.config.Exporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(p.config.Endpoint),
		}
		if p.config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(p.config.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(p.config.Headers))
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	case ExporterZipkin:
		// Zipkin expects an HTTP endpoint like http://localhost:9411/api/v2/spans
		return zipkin.New(p.config.Endpoint)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", p.config.Exporter)
	}
}

// createMetricReader creates the metric export pipeline. Zipkin has no metric
// protocol, so metrics stay local under that exporter.
func (p *Provider) createMetricReader(ctx context.Context) (sdkmetric.Reader, error) {
	switch p.config.Exporter {
	case ExporterOTLP:
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(p.config.Endpoint),
			otlpmetricgrpc.WithTimeout(2 * time.Second),
		}
		if p.config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(p.config.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(p.config.Headers))
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter), nil
	case ExporterStdout:
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter), nil
	case ExporterZipkin, ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", p.config.Exporter)
	}
}

// createResource creates the resource describing this service.
func (p *Provider) createResource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(p.config.ServiceName),
	}

	if p.config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(p.config.ServiceVersion))
	}

	if p.config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(p.config.Environment))
	}

	for k, v := range p.config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		attrs...,
	), nil
}

// createSampler creates the appropriate sampler.
func (p *Provider) createSampler() sdktrace.Sampler {
	switch p.config.Sampler {
	case SamplerAlways:
		return sdktrace.AlwaysSample()
	case SamplerNever:
		return sdktrace.NeverSample()
	case SamplerRatio:
		return sdktrace.TraceIDRatioBased(p.config.SampleRatio)
	case SamplerParentBased:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.AlwaysSample()
	}
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracer
}

// Meter returns the meter for creating custom instruments.
func (p *Provider) Meter() metric.Meter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meter
}

// Propagator returns the text map propagator for context injection/extraction.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// Config returns the provider configuration.
func (p *Provider) Config() Config {
	return p.config
}

// IsEnabled returns true if the provider is active and at least one signal
// is configured.
func (p *Provider) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.shutdown && (p.tracer != nil || p.metrics != nil)
}

// Shutdown gracefully shuts down the provider, flushing pending telemetry.
// It should be called when the application exits. Injected providers are the
// caller's to shut down.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if p.ownsTracer {
			if tp, ok := p.tracerProvider.(*sdktrace.TracerProvider); ok {
				err = tp.Shutdown(shutdownCtx)
			}
		}
		if p.ownsMeter {
			if mp, ok := p.meterProvider.(*sdkmetric.MeterProvider); ok {
				if merr := mp.Shutdown(shutdownCtx); merr != nil && err == nil {
					err = merr
				}
			}
		}
	})
	return err
}

// ForceFlush immediately exports all pending telemetry.
func (p *Provider) ForceFlush(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var err error
	if p.ownsTracer {
		if tp, ok := p.tracerProvider.(*sdktrace.TracerProvider); ok {
			err = tp.ForceFlush(ctx)
		}
	}
	if p.ownsMeter {
		if mp, ok := p.meterProvider.(*sdkmetric.MeterProvider); ok {
			if merr := mp.ForceFlush(ctx); merr != nil && err == nil {
				err = merr
			}
		}
	}
	return err
}
