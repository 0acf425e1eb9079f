package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/murmurlabs/scribed/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// setupTelemetry installs the global trace and meter providers and returns a
// shutdown hook plus the handler serving the Prometheus scrape endpoint.
// Traces go to an OTLP collector when one is configured; without one they go
// to stdout so a dev instance still shows spans. Metrics failing to come up
// never blocks the daemon, transcription works fine without a scrape target.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.DaemonName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traces, err := newTraceProvider(cfg.Telemetry, res)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traces)

	scrape := http.Handler(nil)
	var meters *sdkmetric.MeterProvider
	if exp, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics disabled", slog.String("error", err.Error()))
		meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		meters = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
		scrape = promhttp.Handler()
	}
	otel.SetMeterProvider(meters)

	logger.Info("telemetry ready",
		slog.Bool("otlp", cfg.Telemetry.OTLPEndpoint != ""),
		slog.Bool("prometheus", scrape != nil))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meters.Shutdown(ctx), traces.Shutdown(ctx))
	}
	return shutdown, scrape, nil
}

func newTraceProvider(cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}
