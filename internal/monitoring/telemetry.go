package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/route.report/internal/version"
)

const instrumentationName = "github.com/banshee-data/route.report"

// TelemetryConfig configures the OpenTelemetry exporters. When Enabled is
// false the global no-op providers stay in place.
type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string // e.g. "localhost:4317"
	Insecure     bool
	SampleRate   float64
	BatchTimeout time.Duration
}

// InitTelemetry installs global trace and metric providers exporting over
// OTLP/gRPC. The returned function flushes and shuts both down.
func InitTelemetry(ctx context.Context, cfg TelemetryConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		logger.Debug("telemetry disabled")
		return noop, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("route.processing_version", version.ProcessingVersion),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sampler),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return noop, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(map[string]interface{}{
		"endpoint":    cfg.OTLPEndpoint,
		"sample_rate": cfg.SampleRate,
	}).Info("telemetry initialized")

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Tracer returns the pipeline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version.Version))
}

// Instruments are the counters and histograms recorded by the pipeline.
type Instruments struct {
	Sessions         metric.Int64Counter
	SessionFailures  metric.Int64Counter
	SessionDuration  metric.Float64Histogram
	MatcherFallbacks metric.Int64Counter
	LayerHits        metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instruments     *Instruments
)

// Metrics returns the lazily created instruments. Creation errors fall back
// to no-op instruments so recording never fails.
func Metrics() *Instruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(version.Version))
		instruments = &Instruments{}
		var err error
		if instruments.Sessions, err = meter.Int64Counter("routeproc.sessions",
			metric.WithDescription("Sessions processed")); err != nil {
			logger.WithError(err).Warn("sessions counter unavailable")
		}
		if instruments.SessionFailures, err = meter.Int64Counter("routeproc.session.failures",
			metric.WithDescription("Sessions that ended in the failed state")); err != nil {
			logger.WithError(err).Warn("failures counter unavailable")
		}
		if instruments.SessionDuration, err = meter.Float64Histogram("routeproc.session.duration",
			metric.WithDescription("Wall time per session run"), metric.WithUnit("s")); err != nil {
			logger.WithError(err).Warn("duration histogram unavailable")
		}
		if instruments.MatcherFallbacks, err = meter.Int64Counter("routeproc.matcher.fallbacks",
			metric.WithDescription("Map-matching runs that degraded to the local fallback")); err != nil {
			logger.WithError(err).Warn("fallback counter unavailable")
		}
		if instruments.LayerHits, err = meter.Int64Counter("routeproc.speedlimit.layer_hits",
			metric.WithDescription("Speed-limit answers by resolver layer")); err != nil {
			logger.WithError(err).Warn("layer hits counter unavailable")
		}
	})
	return instruments
}

// AddCounter increments c when it was created successfully.
func AddCounter(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// RecordDuration records d in seconds on h when it was created successfully.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, d time.Duration, attrs ...attribute.KeyValue) {
	if h == nil {
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}
