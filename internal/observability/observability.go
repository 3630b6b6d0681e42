package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rhino/scan"

// Config controls tracing initialisation.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Providers exposes the configured tracer provider.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

var (
	registry = prometheus.NewRegistry()

	probesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rhino_probes_total",
		Help: "Probe results by verdict.",
	}, []string{"verdict"})

	probeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rhino_probe_duration_seconds",
		Help:    "Wall time of one probe including pacing and enrichment.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"verdict"})

	httpResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rhino_http_responses_total",
		Help: "HTTP responses by status class.",
	}, []string{"class"})

	transportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rhino_transport_errors_total",
		Help: "Transport failures by kind.",
	}, []string{"kind"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rhino_retries_total",
		Help: "Retried requests by triggering error kind.",
	}, []string{"kind"})

	hostInterval = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rhino_host_interval_seconds",
		Help: "Current pacing interval per host.",
	}, []string{"host"})
)

func init() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		probesTotal, probeDuration, httpResponses, transportErrors, retriesTotal, hostInterval,
	)
}

// Init configures tracing. Without an endpoint spans are created but not exported.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rhino"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Providers{
		TracerProvider: tp,
		Shutdown: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				return fmt.Errorf("trace provider shutdown: %w", err)
			}
			return nil
		},
	}, nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// MetricsHandler serves the process registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the collectors for tests and embedding.
func Registry() *prometheus.Registry { return registry }

// WrapTransport instruments outgoing requests with client spans.
func WrapTransport(rt http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(rt,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "probe " + r.Method + " " + r.URL.Host
		}),
	)
}

// ProbeSpanInfo describes the attributes of a probe span.
type ProbeSpanInfo struct {
	RunID    string
	SiteID   string
	Host     string
	Username string
}

func StartProbeSpan(ctx context.Context, info ProbeSpanInfo) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "scan.probe", trace.WithAttributes(
		attribute.String("run.id", info.RunID),
		attribute.String("site.id", info.SiteID),
		attribute.String("site.host", info.Host),
		attribute.String("probe.username", info.Username),
	))
}

// EndProbeSpan tags the span with the verdict and ends it.
func EndProbeSpan(span trace.Span, verdict string, status int, errDetail string) {
	span.SetAttributes(attribute.String("probe.verdict", verdict))
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if errDetail != "" {
		span.SetStatus(codes.Error, errDetail)
	}
	span.End()
}

func RecordProbe(verdict string, d time.Duration) {
	probesTotal.WithLabelValues(verdict).Inc()
	probeDuration.WithLabelValues(verdict).Observe(d.Seconds())
}

func RecordHTTPResponse(status int) {
	httpResponses.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

func RecordTransportError(kind string) {
	transportErrors.WithLabelValues(kind).Inc()
}

func RecordRetry(kind string) {
	retriesTotal.WithLabelValues(kind).Inc()
}

func SetHostInterval(host string, d time.Duration) {
	hostInterval.WithLabelValues(host).Set(d.Seconds())
}
