// Package httptel instruments net/http servers with OpenTelemetry: one
// server span per inbound request plus the standard http.server.* metrics,
// recorded on every path out of the handler.
//
// # Overview
//
// The middleware extracts the inbound trace context (W3C traceparent by
// default), opens a server span, tracks the in-flight request gauge, and on
// completion records duration, request size, and response size, then closes
// the span with the response attributes. Telemetry is recorded even when the
// handler panics; the panic is re-raised afterwards.
//
// # Quick Start
//
//	provider, err := httptel.New(httptel.Config{
//	    ServiceName:   "my-app",
//	    Endpoint:      "localhost:4317",
//	    Insecure:      true, // For local development
//	    EnableTracing: true,
//	    EnableMetrics: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Shutdown(context.Background())
//
//	router.Use(provider.Middleware())
//
// # Instruments
//
// Four instruments with stable names, shared by all in-flight requests:
//
//   - http.server.duration (seconds)
//   - http.server.active_requests (count)
//   - http.server.request.size (bytes)
//   - http.server.response.size (bytes)
//
// The active-requests increment and decrement use the identical attribute
// set ({http.request.method, url.scheme}), so the gauge nets to zero for
// every request regardless of outcome. Histograms additionally carry
// http.route and http.response.status_code.
//
// # Custom Spans
//
// Handlers see the request span through the context and may annotate it:
//
//	func (h *Handler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
//	    ctx, span := httptel.Start(r.Context(), "process_order")
//	    defer span.End()
//
//	    httptel.SetAttributes(ctx,
//	        httptel.String("order.id", orderID),
//	        httptel.Int("order.items", len(items)),
//	    )
//
//	    if err != nil {
//	        httptel.RecordError(ctx, err)
//	    }
//	}
//
// The request's own span belongs to the middleware: handlers must not End
// it or reparent it.
package httptel
