package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "listing-harvester/fetch"

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	fetchTracer trace.Tracer

	fetchAttemptDuration metric.Float64Histogram
	fetchAttemptTotal    metric.Int64Counter
	cycleTotal           metric.Int64Counter
	cycleDuration        metric.Float64Histogram
	validProxies         metric.Int64Gauge
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "listing-harvester"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Tracing is optional, carry on without it
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		fetchTracer = tracerProvider.Tracer(instrumentationName)
		if err := initInstruments(meterProvider); err != nil {
			fmt.Printf("WARN: Failed to register harvester instruments: %v\n", err)
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initInstruments(meterProvider metric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	fetchAttemptDuration, err = meter.Float64Histogram(
		"harvester.fetch.attempt.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by a single fetch attempt through a proxy"),
	)
	if err != nil {
		return err
	}

	fetchAttemptTotal, err = meter.Int64Counter(
		"harvester.fetch.attempt.total",
		metric.WithDescription("Counts fetch attempts by outcome"),
	)
	if err != nil {
		return err
	}

	cycleTotal, err = meter.Int64Counter(
		"harvester.cycle.total",
		metric.WithDescription("Counts harvest cycles by final status"),
	)
	if err != nil {
		return err
	}

	cycleDuration, err = meter.Float64Histogram(
		"harvester.cycle.duration_seconds",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of a harvest cycle"),
	)
	if err != nil {
		return err
	}

	validProxies, err = meter.Int64Gauge(
		"harvester.proxy.valid",
		metric.WithDescription("Proxies marked valid after the latest health check"),
	)
	return err
}

// FetchSpanInfo describes the attributes used when starting a fetch span.
type FetchSpanInfo struct {
	URL     string
	Host    string
	ProxyID string
	Attempt int
}

// FetchAttemptMetrics describes a finished fetch attempt.
type FetchAttemptMetrics struct {
	Host     string
	Outcome  string
	Duration time.Duration
}

// CycleMetrics describes a finished harvest cycle.
type CycleMetrics struct {
	Status    string
	Duration  time.Duration
	Succeeded int
	Failed    int
}

// StartFetchSpan starts a span for a single fetch attempt.
func StartFetchSpan(ctx context.Context, info FetchSpanInfo) (context.Context, trace.Span) {
	t := fetchTracer
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}

	attrs := []attribute.KeyValue{
		attribute.String("fetch.url", info.URL),
		attribute.String("fetch.host", info.Host),
		attribute.String("proxy.id", info.ProxyID),
		attribute.Int("fetch.attempt", info.Attempt),
	}

	return t.Start(ctx, "crawler.fetch_attempt", trace.WithAttributes(attrs...))
}

// RecordFetchAttempt emits fetch metrics when instrumentation is initialised.
func RecordFetchAttempt(ctx context.Context, m FetchAttemptMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("fetch.host", m.Host),
		attribute.String("fetch.outcome", m.Outcome),
	)
	if fetchAttemptDuration != nil {
		fetchAttemptDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if fetchAttemptTotal != nil {
		fetchAttemptTotal.Add(ctx, 1, attrs)
	}
}

// RecordCycle emits cycle metrics when instrumentation is initialised.
func RecordCycle(ctx context.Context, m CycleMetrics) {
	attrs := metric.WithAttributes(attribute.String("cycle.status", m.Status))
	if cycleTotal != nil {
		cycleTotal.Add(ctx, 1, attrs)
	}
	if cycleDuration != nil {
		cycleDuration.Record(ctx, m.Duration.Seconds(), attrs)
	}
}

// RecordValidProxies publishes the size of the valid set.
func RecordValidProxies(ctx context.Context, valid int) {
	if validProxies != nil {
		validProxies.Record(ctx, int64(valid))
	}
}
