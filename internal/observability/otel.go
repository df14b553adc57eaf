// Package observability wires OpenTelemetry tracing, metrics, and logging
// for both cmd/server and cmd/worker, following rezkam-mono's
// internal/infrastructure/observability/otel.go shape: resource
// construction from the environment, an enabled/disabled switch so tests
// and local runs can skip the OTLP collector dependency, and a slog
// logger bridged into the log pipeline via otelslog.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the resource when Config.ServiceName is empty.
const DefaultServiceName = "mono-jobs"

// Config controls whether the OTLP pipeline is wired at all. Disabled
// processes still get a structured stdout JSON logger.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Providers bundles every provider a process must shut down on exit.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logger *log.LoggerProvider
	Slog   *slog.Logger
}

// Shutdown flushes and closes every provider, collecting every error
// rather than stopping at the first so a failed trace flush doesn't mask
// a failed log flush.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	if p.Logger != nil {
		if err := p.Logger.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown logger provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("merge resources: %w", err)
	}
	return res, nil
}

// Init wires tracer, meter, and logger providers over OTLP/gRPC and sets
// them as the process globals. When cfg.Enabled is false it returns
// no-op providers and a plain stdout JSON slog.Logger, so a worker or
// server can run without a collector present.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		mp := sdkmetric.NewMeterProvider()
		lp := log.NewLoggerProvider()
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		return &Providers{
			Tracer: tp,
			Meter:  mp,
			Logger: lp,
			Slog:   slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		}, nil
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	lp := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExporter, log.WithExportTimeout(5*time.Second))),
		log.WithResource(res),
	)
	logger := otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(lp))

	return &Providers{Tracer: tp, Meter: mp, Logger: lp, Slog: logger}, nil
}
