package httptel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Stable instrument names. Dashboards key on these exactly.
const (
	metricServerDuration       = "http.server.duration"
	metricServerActiveRequests = "http.server.active_requests"
	metricServerRequestSize    = "http.server.request.size"
	metricServerResponseSize   = "http.server.response.size"
)

// serverMetrics holds the four shared HTTP server instruments. Created once
// at startup; safe for concurrent use by all in-flight requests.
type serverMetrics struct {
	duration       metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	requestSize    metric.Int64Histogram
	responseSize   metric.Int64Histogram
}

func newServerMetrics(meter metric.Meter) (*serverMetrics, error) {
	duration, err := meter.Float64Histogram(metricServerDuration,
		metric.WithUnit("s"),
		metric.WithDescription("Measures the duration of inbound HTTP requests."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricServerDuration, err)
	}

	activeRequests, err := meter.Int64UpDownCounter(metricServerActiveRequests,
		metric.WithDescription("Measures the number of concurrent HTTP requests that are currently in-flight."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricServerActiveRequests, err)
	}

	requestSize, err := meter.Int64Histogram(metricServerRequestSize,
		metric.WithUnit("By"),
		metric.WithDescription("Measures the size of HTTP request messages."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricServerRequestSize, err)
	}

	responseSize, err := meter.Int64Histogram(metricServerResponseSize,
		metric.WithUnit("By"),
		metric.WithDescription("Measures the size of HTTP response messages."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", metricServerResponseSize, err)
	}

	return &serverMetrics{
		duration:       duration,
		activeRequests: activeRequests,
		requestSize:    requestSize,
		responseSize:   responseSize,
	}, nil
}

// requestTracker carries one request's metric state from start to end.
// baseAttrs is the exact set used for the active-requests increment; the
// matching decrement must reuse it so the gauge nets to zero per request.
type requestTracker struct {
	metrics     *serverMetrics
	baseAttrs   attribute.Set
	requestSize int64
	start       time.Time
}

// onRequestStart increments the active-requests gauge and captures the
// request body size. Attributes are limited to what is known pre-dispatch.
func (m *serverMetrics) onRequestStart(ctx context.Context, r *http.Request) *requestTracker {
	baseAttrs := attribute.NewSet(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLScheme(requestScheme(r)),
	)

	m.activeRequests.Add(ctx, 1, metric.WithAttributeSet(baseAttrs))

	return &requestTracker{
		metrics:     m,
		baseAttrs:   baseAttrs,
		requestSize: requestBodySize(r),
		start:       time.Now(),
	}
}

// onRequestEnd decrements the active-requests gauge with the start-time
// attribute set and records duration and sizes under the full set.
func (t *requestTracker) onRequestEnd(ctx context.Context, route string, statusCode int, responseSize int64) {
	t.metrics.activeRequests.Add(ctx, -1, metric.WithAttributeSet(t.baseAttrs))

	fullAttrs := attribute.NewSet(append(t.baseAttrs.ToSlice(),
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(statusCode),
	)...)
	opt := metric.WithAttributeSet(fullAttrs)

	t.metrics.duration.Record(ctx, time.Since(t.start).Seconds(), opt)
	t.metrics.requestSize.Record(ctx, t.requestSize, opt)
	t.metrics.responseSize.Record(ctx, responseSize, opt)
}

// requestBodySize parses the Content-Length header. Missing or malformed
// values count as 0 so aggregation denominators stay consistent.
func requestBodySize(r *http.Request) int64 {
	v := r.Header.Get("Content-Length")
	if v == "" {
		return 0
	}
	size, err := strconv.ParseInt(v, 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}
