package telemetry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSDK "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config identifies the service to the telemetry backends
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
}

// WithOTLPEndpoint returns a copy of the config pointed at the collector
func (c Config) WithOTLPEndpoint(endpoint string) Config {
	c.OTLPEndpoint = endpoint
	return c
}

// SagaServiceConfig is the telemetry identity of the saga service
var SagaServiceConfig = Config{
	ServiceName:    "saga-service",
	ServiceVersion: "1.0.0",
}

// Telemetry owns the trace pipeline and the metric readers of one process.
// Traces go to the OTLP collector; metrics are exposed to the Prometheus
// scrape endpoint and pushed to the collector as well.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	shutdowns []func(context.Context) error
}

// Init builds the trace and metric providers, installs them as the otel
// globals and returns a handle that can shut the pipeline down.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe service resource")
	}

	tel := &Telemetry{}

	traceProvider, err := tel.initTraces(ctx, res, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}
	meterProvider, err := tel.initMetrics(ctx, res, cfg.OTLPEndpoint)
	if err != nil {
		tel.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tel.tracer = otel.Tracer(cfg.ServiceName)
	tel.meter = otel.Meter(cfg.ServiceName)

	if err := tel.initInstruments(); err != nil {
		tel.Shutdown(ctx)
		return nil, err
	}

	return tel, nil
}

func (t *Telemetry) initTraces(ctx context.Context, res *resource.Resource, endpoint string) (trace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create OTLP trace exporter")
	}

	provider := traceSDK.NewTracerProvider(
		traceSDK.WithBatcher(exporter),
		traceSDK.WithResource(res),
		traceSDK.WithSampler(traceSDK.AlwaysSample()),
	)
	t.shutdowns = append(t.shutdowns, provider.Shutdown)
	return provider, nil
}

func (t *Telemetry) initMetrics(ctx context.Context, res *resource.Resource, endpoint string) (metric.MeterProvider, error) {
	scrapeReader, err := prometheus.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Prometheus reader")
	}

	pushExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create OTLP metric exporter")
	}

	provider := metricSDK.NewMeterProvider(
		metricSDK.WithResource(res),
		metricSDK.WithReader(scrapeReader),
		metricSDK.WithReader(metricSDK.NewPeriodicReader(pushExporter,
			metricSDK.WithInterval(30*time.Second),
		)),
	)
	t.shutdowns = append(t.shutdowns, provider.Shutdown)
	return provider, nil
}

func (t *Telemetry) initInstruments() error {
	var err error
	t.httpRequests, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests served"))
	if err != nil {
		return errors.Wrap(err, "failed to create request counter")
	}
	t.httpLatency, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"))
	if err != nil {
		return errors.Wrap(err, "failed to create latency histogram")
	}
	return nil
}

// Shutdown flushes and stops the providers, newest first
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var firstErr error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.shutdowns = nil
	return firstErr
}

// Tracer returns the service tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the service meter for custom instruments
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}
