package httptel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestProvider builds a provider whose spans land in an in-memory
// exporter and whose metrics are collectable through a manual reader.
func newTestProvider(t *testing.T) (*Provider, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		mp.Shutdown(context.Background())
	})

	provider, err := New(Config{
		ServiceName:    "test-service",
		Exporter:       ExporterNone,
		EnableTracing:  true,
		EnableMetrics:  true,
		TracerProvider: tp,
		MeterProvider:  mp,
	})
	require.NoError(t, err)

	return provider, exporter, reader
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) (metricdata.Metrics, bool) {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func activeRequestsTotal(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	m, ok := collectMetric(t, reader, metricServerActiveRequests)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "active_requests should be an int64 sum")

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_OneSpanPerRequest(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	mux := chi.NewRouter()
	mux.Use(provider.Middleware())
	mux.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world!"))
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	span := spans[0]
	assert.Equal(t, "GET /", span.Name)
	assert.False(t, span.EndTime.Before(span.StartTime), "start_time must be <= end_time")

	method, ok := attrValue(span.Attributes, "http.request.method")
	require.True(t, ok)
	assert.Equal(t, "GET", method.AsString())

	status, ok := attrValue(span.Attributes, "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusOK), status.AsInt64())

	_, hasErrorType := attrValue(span.Attributes, "error.type")
	assert.False(t, hasErrorType, "2xx responses must not carry error.type")
}

func TestMiddleware_RoutePattern(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	mux := chi.NewRouter()
	mux.Use(provider.Middleware())
	mux.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/users/42", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /users/{id}", spans[0].Name)

	route, ok := attrValue(spans[0].Attributes, "http.route")
	require.True(t, ok)
	assert.Equal(t, "/users/{id}", route.AsString())

	path, ok := attrValue(spans[0].Attributes, "url.path")
	require.True(t, ok)
	assert.Equal(t, "/users/42", path.AsString())
}

func TestMiddleware_ContextContinuity(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	const inboundTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", "00-"+inboundTraceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, inboundTraceID, spans[0].SpanContext.TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent.SpanID().String())

	// Without a header the trace id is freshly generated, never the one
	// from an unrelated prior request.
	exporter.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	spans = exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].SpanContext.HasTraceID())
	assert.NotEqual(t, inboundTraceID, spans[0].SpanContext.TraceID().String())
}

func TestMiddleware_MalformedTraceHeaderStartsNewRoot(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("traceparent", "not-a-traceparent")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.True(t, spans[0].SpanContext.HasTraceID())
	assert.False(t, spans[0].Parent.IsValid(), "malformed header must yield a root span")
}

func TestMiddleware_GaugeBalance(t *testing.T) {
	provider, _, reader := newTestProvider(t)

	mux := chi.NewRouter()
	mux.Use(provider.Middleware())
	mux.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		path := "/ok"
		if i%4 == 0 {
			path = "/fail"
		}
		go func(path string) {
			defer wg.Done()
			mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
		}(path)
	}
	wg.Wait()

	assert.Equal(t, int64(0), activeRequestsTotal(t, reader), "gauge must net to zero after all requests complete")

	m, ok := collectMetric(t, reader, metricServerDuration)
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(n), count, "every request records exactly one duration sample")
}

func TestMiddleware_PanicStillRecords(t *testing.T) {
	provider, exporter, reader := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	require.PanicsWithValue(t, "boom", func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	}, "the fault must propagate after telemetry is recorded")

	assert.Equal(t, int64(0), activeRequestsTotal(t, reader), "gauge must not leak on panic")

	m, ok := collectMetric(t, reader, metricServerDuration)
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	status, ok := attrValue(hist.DataPoints[0].Attributes.ToSlice(), "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusInternalServerError), status.AsInt64())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	errType, ok := attrValue(spans[0].Attributes, "error.type")
	require.True(t, ok)
	assert.Equal(t, "string", errType.AsString())
}

func TestMiddleware_SizeDefaulting(t *testing.T) {
	provider, _, reader := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	m, ok := collectMetric(t, reader, metricServerRequestSize)
	require.True(t, ok, "a request without a length header must still be recorded")
	hist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, int64(0), hist.DataPoints[0].Sum)
}

func TestMiddleware_EchoSizes(t *testing.T) {
	provider, exporter, reader := newTestProvider(t)

	mux := chi.NewRouter()
	mux.Use(provider.Middleware())
	mux.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	body := "hello world"
	req := httptest.NewRequest("POST", "/echo", strings.NewReader(body))
	req.Header.Set("Content-Length", fmt.Sprint(len(body)))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, body, rr.Body.String())

	m, ok := collectMetric(t, reader, metricServerRequestSize)
	require.True(t, ok)
	reqHist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, reqHist.DataPoints, 1)
	assert.Equal(t, int64(len(body)), reqHist.DataPoints[0].Sum)

	m, ok = collectMetric(t, reader, metricServerResponseSize)
	require.True(t, ok)
	respHist, ok := m.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, respHist.DataPoints, 1)
	assert.Equal(t, int64(len(body)), respHist.DataPoints[0].Sum)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /echo", spans[0].Name)
}

func TestMiddleware_ActiveRequestAttributesMatch(t *testing.T) {
	provider, _, reader := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/anything", nil))

	m, ok := collectMetric(t, reader, metricServerActiveRequests)
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	// The +1 and -1 share one attribute set, so they collapse into a single
	// zero-valued data point carrying only method and scheme.
	require.Len(t, sum.DataPoints, 1)
	dp := sum.DataPoints[0]
	assert.Equal(t, int64(0), dp.Value)

	attrs := dp.Attributes.ToSlice()
	_, hasStatus := attrValue(attrs, "http.response.status_code")
	assert.False(t, hasStatus, "gauge attributes must not include status")
	_, hasRoute := attrValue(attrs, "http.route")
	assert.False(t, hasRoute, "gauge attributes must not include route")

	method, ok := attrValue(attrs, "http.request.method")
	require.True(t, ok)
	assert.Equal(t, "GET", method.AsString())
	_, hasScheme := attrValue(attrs, "url.scheme")
	assert.True(t, hasScheme)
}

func TestMiddleware_ErrorStatusOnServerError(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	errType, ok := attrValue(spans[0].Attributes, "error.type")
	require.True(t, ok)
	assert.Equal(t, "502", errType.AsString())
}

func TestMiddleware_DoubleInstrumentationPanics(t *testing.T) {
	provider, _, _ := newTestProvider(t)

	inner := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	outer := provider.Middleware()(inner)

	require.Panics(t, func() {
		outer.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	})
}

func TestMiddleware_HandlerSeesRequestScope(t *testing.T) {
	provider, exporter, _ := newTestProvider(t)

	var scopeTraceID string
	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := ScopeFromContext(r.Context())
		require.NotNil(t, scope)
		scope.Span().SetAttributes(String("app.custom", "value"))
		scopeTraceID = scope.TraceID()
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, scopeTraceID, spans[0].SpanContext.TraceID().String())

	custom, ok := attrValue(spans[0].Attributes, "app.custom")
	require.True(t, ok)
	assert.Equal(t, "value", custom.AsString())
}

func TestMiddleware_DisabledProvider(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	provider.Shutdown(context.Background())

	handlerCalled := false
	handler := provider.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	assert.True(t, handlerCalled, "handler should still be called when instrumentation is off")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := newResponseWriter(rr)

	rw.WriteHeader(http.StatusCreated)
	require.Equal(t, http.StatusCreated, rw.statusCode)

	// Second WriteHeader should be ignored
	rw.WriteHeader(http.StatusBadRequest)
	require.Equal(t, http.StatusCreated, rw.statusCode)
}

func TestResponseWriter_Write(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := newResponseWriter(rr)

	data := []byte("Hello, World!")
	n, err := rw.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), rw.bytesWritten)

	// Write should trigger implicit WriteHeader with 200
	require.Equal(t, http.StatusOK, rw.statusCode)
}

func TestResponseWriter_Unwrap(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := newResponseWriter(rr)

	if rw.Unwrap() != rr {
		t.Error("Unwrap() should return the original ResponseWriter")
	}
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remoteIP string
		want     string
	}{
		{
			name:     "X-Forwarded-For single IP",
			headers:  map[string]string{"X-Forwarded-For": "192.168.1.1"},
			remoteIP: "10.0.0.1:12345",
			want:     "192.168.1.1",
		},
		{
			name:     "X-Forwarded-For multiple IPs",
			headers:  map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.2"},
			remoteIP: "10.0.0.1:12345",
			want:     "192.168.1.1",
		},
		{
			name:     "X-Real-IP",
			headers:  map[string]string{"X-Real-IP": "192.168.1.1"},
			remoteIP: "10.0.0.1:12345",
			want:     "192.168.1.1",
		},
		{
			name:     "RemoteAddr with port",
			headers:  map[string]string{},
			remoteIP: "192.168.1.1:12345",
			want:     "192.168.1.1",
		},
		{
			name:     "RemoteAddr without port",
			headers:  map[string]string{},
			remoteIP: "192.168.1.1",
			want:     "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteIP
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if got := clientAddress(req); got != tt.want {
				t.Errorf("clientAddress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestScheme(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{
			name:  "HTTP",
			setup: func(r *http.Request) {},
			want:  "http",
		},
		{
			name: "X-Forwarded-Proto HTTPS",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-Proto", "https")
			},
			want: "https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			tt.setup(req)

			if got := requestScheme(req); got != tt.want {
				t.Errorf("requestScheme() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProtocolVersion(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if got := protocolVersion(req); got != "1.1" {
		t.Errorf("protocolVersion() = %v, want 1.1", got)
	}
}
