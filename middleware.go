package httptel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// responseWriter wraps http.ResponseWriter to capture status code and
// response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	headerWritten bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK, // Default to 200
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.headerWritten {
		rw.statusCode = code
		rw.headerWritten = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter for compatibility with
// http.ResponseController and other wrappers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type scopeContextKey struct{}

// RequestScope is the per-request bag of telemetry state. It is created at
// middleware entry, carried in the request context for the lifetime of the
// request, and owned exclusively by that request's flow. Handlers may read
// it to annotate the active span; closing the span is the middleware's job.
type RequestScope struct {
	span     trace.Span
	finished bool
}

// Span returns the active server span for this request. Handlers may add
// attributes and events to it but must not end it.
func (s *RequestScope) Span() trace.Span {
	return s.span
}

// TraceID returns the hex trace id of the active span, or "" when no trace
// is recorded.
func (s *RequestScope) TraceID() string {
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the hex span id of the active span.
func (s *RequestScope) SpanID() string {
	sc := s.span.SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// Sampled reports whether this request's trace was sampled.
func (s *RequestScope) Sampled() bool {
	return s.span.SpanContext().IsSampled()
}

// ScopeFromContext returns the RequestScope for the current request, or nil
// outside an instrumented request.
func ScopeFromContext(ctx context.Context) *RequestScope {
	scope, _ := ctx.Value(scopeContextKey{}).(*RequestScope)
	return scope
}

// Middleware returns an HTTP middleware that instruments every inbound
// request: it extracts the inbound trace context, opens one server span,
// and records the http.server.* metrics. The span finish and active-request
// decrement run on every path out of the handler, including panics.
func (p *Provider) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			// Instrumenting the same request twice would double-count every
			// signal. That is a wiring defect, not a runtime condition.
			if ScopeFromContext(r.Context()) != nil {
				panic("httptel: request is already instrumented")
			}

			ctx := p.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			var scope *RequestScope
			if p.tracer != nil {
				var span trace.Span
				ctx, span = p.tracer.Start(ctx, r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
				)
				scope = &RequestScope{span: span}
				ctx = context.WithValue(ctx, scopeContextKey{}, scope)
			}

			rw := newResponseWriter(w)

			if scope != nil && scope.span.SpanContext().HasTraceID() {
				rw.Header().Set("X-Trace-ID", scope.TraceID())
			}

			var tracker *requestTracker
			if p.metrics != nil {
				tracker = p.metrics.onRequestStart(ctx, r)
			}

			// Scoped release: the metrics decrement and span finish must run
			// whether the handler returns, errors, or panics. A panic is
			// re-raised once telemetry is recorded.
			defer func() {
				rec := recover()

				statusCode := rw.statusCode
				if rec != nil {
					statusCode = http.StatusInternalServerError
				}
				route := routePattern(ctx, r)

				if tracker != nil {
					tracker.onRequestEnd(ctx, route, statusCode, rw.bytesWritten)
				}
				if scope != nil {
					p.finishSpan(scope, r, route, statusCode, rec)
				}

				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// finishSpan writes the response-derived attributes and closes the span.
// Guarded so a second call cannot double-export.
func (p *Provider) finishSpan(scope *RequestScope, r *http.Request, route string, statusCode int, rec any) {
	if scope.finished {
		return
	}
	scope.finished = true

	span := scope.span
	span.SetName(r.Method + " " + route)
	span.SetAttributes(
		semconv.URLPath(r.URL.Path),
		semconv.HTTPRoute(route),
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.NetworkProtocolVersion(protocolVersion(r)),
		semconv.ClientAddress(clientAddress(r)),
		semconv.HTTPResponseStatusCode(statusCode),
	)
	if ua := r.UserAgent(); ua != "" {
		span.SetAttributes(semconv.UserAgentOriginal(ua))
	}

	switch {
	case rec != nil:
		span.SetAttributes(semconv.ErrorTypeKey.String(fmt.Sprintf("%T", rec)))
		span.SetStatus(codes.Error, fmt.Sprint(rec))
	case statusCode >= http.StatusInternalServerError:
		span.SetAttributes(semconv.ErrorTypeKey.String(strconv.Itoa(statusCode)))
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	case statusCode >= http.StatusBadRequest:
		span.SetAttributes(semconv.ErrorTypeKey.String(strconv.Itoa(statusCode)))
	}

	span.End()
}

// routePattern resolves the matched route pattern after dispatch. chi fills
// its route context in place, so the pattern is visible here once the
// handler has run. Falls back to the raw path off a chi router.
func routePattern(ctx context.Context, r *http.Request) string {
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// requestScheme returns the request scheme, honoring forwarding proxies.
func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// protocolVersion returns the network protocol version, e.g. "1.1".
func protocolVersion(r *http.Request) string {
	return strings.TrimPrefix(r.Proto, "HTTP/")
}

// clientAddress extracts the client address from the request.
func clientAddress(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}
