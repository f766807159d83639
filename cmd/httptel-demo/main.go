// Command httptel-demo runs a small instrumented HTTP server. It exists to
// exercise the middleware against a real collector; point OTEL_ENDPOINT at
// one, or set OTEL_EXPORTER=stdout to watch telemetry locally.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mittlid/httptel"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := httptel.FromEnv(
		httptel.WithLogger(logger),
		httptel.WithMetrics(),
	)
	if err != nil {
		return err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "httptel-demo"
	}
	if cfg.Endpoint == "" && cfg.Exporter == httptel.ExporterOTLP {
		cfg.Exporter = httptel.ExporterStdout
	}

	provider, err := httptel.New(cfg)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(provider.Middleware())
	mux.Use(middleware.Recoverer)

	mux.Get("/", hello(logger))
	mux.Post("/echo", echo)
	mux.Post("/count", count(provider.Meter()))

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func hello(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		err := httptel.WithSpan(ctx, "greet", func(ctx context.Context) error {
			httptel.AddEvent(ctx, "greeting_composed")
			return nil
		})
		if err != nil {
			http.Error(w, "greeting failed", http.StatusInternalServerError)
			return
		}

		httptel.LoggerWithTrace(ctx, logger).Info("saying hello")
		w.Write([]byte("Hello world!"))
	}
}

func echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	httptel.SetAttributes(r.Context(),
		httptel.Int("echo.bytes", len(body)),
	)

	w.Write(body)
}

func count(meter metric.Meter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter, err := meter.Float64Counter("ops_count")
		if err != nil {
			http.Error(w, "counter unavailable", http.StatusInternalServerError)
			return
		}
		counter.Add(r.Context(), 1, metric.WithAttributes(
			httptel.String("source", "demo"),
		))
		w.WriteHeader(http.StatusOK)
	}
}
