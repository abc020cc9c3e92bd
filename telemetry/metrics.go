// Package telemetry provides OpenTelemetry metrics for the media cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/tunecache/tunecache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	resolvesTotal       metric.Int64Counter
	resolveDuration     metric.Float64Histogram
	deliveriesTotal     metric.Int64Counter
	fetchesTotal        metric.Int64Counter
	fetchDuration       metric.Float64Histogram
	fetchBytesTotal     metric.Int64Counter
	sweepExpiredTotal   metric.Int64Counter
	sweepBytesTotal     metric.Int64Counter
	sweepDuration       metric.Float64Histogram
	backendOpsTotal     metric.Int64Counter
	backendOpDuration   metric.Float64Histogram
	backendBytesTotal   metric.Int64Counter
	transportCallsTotal metric.Int64Counter
	transportDuration   metric.Float64Histogram
	httpRequestsTotal   metric.Int64Counter
	httpDuration        metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tunecache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	resolvesTotal, err := meter.Int64Counter(
		"tunecache_resolves_total",
		metric.WithDescription("Total key resolutions by outcome source"),
		metric.WithUnit("{resolve}"),
	)
	if err != nil {
		return err
	}

	resolveDuration, err := meter.Float64Histogram(
		"tunecache_resolve_duration_seconds",
		metric.WithDescription("Duration of key resolutions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	deliveriesTotal, err := meter.Int64Counter(
		"tunecache_delivery_attempts_total",
		metric.WithDescription("Total delivery attempts by reuse path and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	fetchesTotal, err := meter.Int64Counter(
		"tunecache_fetches_total",
		metric.WithDescription("Total external media fetches"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"tunecache_fetch_duration_seconds",
		metric.WithDescription("Duration of external media fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 10, 20, 40, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"tunecache_fetch_bytes_total",
		metric.WithDescription("Total bytes materialized by external fetches"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepExpiredTotal, err := meter.Int64Counter(
		"tunecache_sweep_expired_total",
		metric.WithDescription("Total artifacts expired by the sweeper"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return err
	}

	sweepBytesTotal, err := meter.Int64Counter(
		"tunecache_sweep_bytes_freed_total",
		metric.WithDescription("Total bytes freed by the sweeper"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"tunecache_sweep_duration_seconds",
		metric.WithDescription("Duration of sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendOpsTotal, err := meter.Int64Counter(
		"tunecache_backend_requests_total",
		metric.WithDescription("Total artifact backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendOpDuration, err := meter.Float64Histogram(
		"tunecache_backend_request_duration_seconds",
		metric.WithDescription("Duration of artifact backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"tunecache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	transportCallsTotal, err := meter.Int64Counter(
		"tunecache_transport_calls_total",
		metric.WithDescription("Total transport API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	transportDuration, err := meter.Float64Histogram(
		"tunecache_transport_call_duration_seconds",
		metric.WithDescription("Duration of transport API calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	httpRequestsTotal, err := meter.Int64Counter(
		"tunecache_http_requests_total",
		metric.WithDescription("Total admin HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	httpDuration, err := meter.Float64Histogram(
		"tunecache_http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		resolvesTotal:       resolvesTotal,
		resolveDuration:     resolveDuration,
		deliveriesTotal:     deliveriesTotal,
		fetchesTotal:        fetchesTotal,
		fetchDuration:       fetchDuration,
		fetchBytesTotal:     fetchBytesTotal,
		sweepExpiredTotal:   sweepExpiredTotal,
		sweepBytesTotal:     sweepBytesTotal,
		sweepDuration:       sweepDuration,
		backendOpsTotal:     backendOpsTotal,
		backendOpDuration:   backendOpDuration,
		backendBytesTotal:   backendBytesTotal,
		transportCallsTotal: transportCallsTotal,
		transportDuration:   transportDuration,
		httpRequestsTotal:   httpRequestsTotal,
		httpDuration:        httpDuration,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordResolve records one key resolution.
// source is the cache tier that satisfied it: delivery_cache, local_cache,
// fetched, or failed.
func RecordResolve(ctx context.Context, source string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	globalMetrics.resolvesTotal.Add(ctx, 1, attrs)
	globalMetrics.resolveDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeliveryAttempt records one delivery attempt through a reuse path.
// path is forward, blob, or file; outcome is success or error.
func RecordDeliveryAttempt(ctx context.Context, path, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}

// RecordFetch records an external media fetch.
func RecordFetch(ctx context.Context, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchesTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSweep records the result of one sweep cycle.
func RecordSweep(ctx context.Context, expired int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepExpiredTotal.Add(ctx, int64(expired))
	globalMetrics.sweepBytesTotal.Add(ctx, bytesFreed)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordBackendOp records an artifact backend operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendOpDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordTransportCall records one transport API call.
func RecordTransportCall(ctx context.Context, method string, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	globalMetrics.transportCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.transportDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHTTP records an admin HTTP request.
func RecordHTTP(ctx context.Context, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status_class", StatusClass(status)))
	globalMetrics.httpRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the status class label for an HTTP status code.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
