package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wannadance/songcdn"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram
	deliveriesTotal    metric.Int64Counter

	originFetchDuration   metric.Float64Histogram
	originFetchTotal      metric.Int64Counter
	originFetchBytesTotal metric.Int64Counter

	fillsTotal    metric.Int64Counter
	fillBytes     metric.Float64Histogram
	fillDuration  metric.Float64Histogram
	sweepEvicted  metric.Int64Counter
	sweepFreed    metric.Int64Counter
	sweepDuration metric.Float64Histogram

	transcodeTotal    metric.Int64Counter
	transcodeDuration metric.Float64Histogram

	catalogSongs     metric.Int64Gauge
	catalogOverrides metric.Int64Gauge
	refreshTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system. Returns a
// shutdown function to call on application exit. Uses sync.Once to ensure
// single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "songcdn"
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

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporter configured, still collect via a no-op reader so
	// instrument calls stay cheap and valid.
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

	requestsTotal, err := meter.Int64Counter(
		"songcdn_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"songcdn_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"songcdn_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	deliveriesTotal, err := meter.Int64Counter(
		"songcdn_deliveries_total",
		metric.WithDescription("Total song deliveries by result"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return err
	}

	originFetchDuration, err := meter.Float64Histogram(
		"songcdn_origin_fetch_duration_seconds",
		metric.WithDescription("Duration of origin fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	originFetchTotal, err := meter.Int64Counter(
		"songcdn_origin_fetch_total",
		metric.WithDescription("Total number of origin fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	originFetchBytesTotal, err := meter.Int64Counter(
		"songcdn_origin_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the origin"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	fillsTotal, err := meter.Int64Counter(
		"songcdn_cache_fills_total",
		metric.WithDescription("Total cache fills by outcome"),
		metric.WithUnit("{fill}"),
	)
	if err != nil {
		return err
	}

	fillBytes, err := meter.Float64Histogram(
		"songcdn_cache_fill_bytes",
		metric.WithDescription("Size of completed cache fills"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1048576, 4194304, 16777216, 33554432, 67108864, 134217728, 268435456, 536870912, 1073741824),
	)
	if err != nil {
		return err
	}

	fillDuration, err := meter.Float64Histogram(
		"songcdn_cache_fill_duration_seconds",
		metric.WithDescription("Duration of cache fills"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	sweepEvicted, err := meter.Int64Counter(
		"songcdn_cache_evictions_total",
		metric.WithDescription("Total entries evicted by phase (ttl, lru)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepFreed, err := meter.Int64Counter(
		"songcdn_cache_evicted_bytes_total",
		metric.WithDescription("Total bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"songcdn_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of eviction sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	transcodeTotal, err := meter.Int64Counter(
		"songcdn_transcodes_total",
		metric.WithDescription("Total transcode jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	transcodeDuration, err := meter.Float64Histogram(
		"songcdn_transcode_duration_seconds",
		metric.WithDescription("Duration of transcode jobs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	catalogSongs, err := meter.Int64Gauge(
		"songcdn_catalog_songs",
		metric.WithDescription("Songs in the current catalog snapshot"),
		metric.WithUnit("{song}"),
	)
	if err != nil {
		return err
	}

	catalogOverrides, err := meter.Int64Gauge(
		"songcdn_catalog_overrides",
		metric.WithDescription("Local overrides in the current catalog snapshot"),
		metric.WithUnit("{song}"),
	)
	if err != nil {
		return err
	}

	refreshTotal, err := meter.Int64Counter(
		"songcdn_catalog_refresh_total",
		metric.WithDescription("Total catalog refresh attempts by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:         requestsTotal,
		responseBytesTotal:    responseBytesTotal,
		requestDuration:       requestDuration,
		deliveriesTotal:       deliveriesTotal,
		originFetchDuration:   originFetchDuration,
		originFetchTotal:      originFetchTotal,
		originFetchBytesTotal: originFetchBytesTotal,
		fillsTotal:            fillsTotal,
		fillBytes:             fillBytes,
		fillDuration:          fillDuration,
		sweepEvicted:          sweepEvicted,
		sweepFreed:            sweepFreed,
		sweepDuration:         sweepDuration,
		transcodeTotal:        transcodeTotal,
		transcodeDuration:     transcodeDuration,
		catalogSongs:          catalogSongs,
		catalogOverrides:      catalogOverrides,
		refreshTotal:          refreshTotal,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global
// state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics. Call this from the logging
// middleware after the request completes; the result tag is read from the
// request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)
	endpoint := ""
	result := "none"
	if tags != nil {
		endpoint = tags.Endpoint
		if tags.Result != "" {
			result = tags.Result
		}
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", statusClass),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if result != "none" {
		globalMetrics.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", result),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordOriginFetch records one origin fetch, including bytes actually
// read from the body.
func RecordOriginFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.originFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.originFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.originFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordFill records one cache fill outcome ("complete" or an abort
// reason).
func RecordFill(ctx context.Context, outcome string, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.fillsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "complete" {
		globalMetrics.fillBytes.Record(ctx, float64(bytes))
		globalMetrics.fillDuration.Record(ctx, duration.Seconds())
	}
}

// RecordSweep records one eviction sweep.
func RecordSweep(ctx context.Context, ttlExpired, lruEvicted int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.sweepEvicted.Add(ctx, int64(ttlExpired), metric.WithAttributes(attribute.String("phase", "ttl")))
	globalMetrics.sweepEvicted.Add(ctx, int64(lruEvicted), metric.WithAttributes(attribute.String("phase", "lru")))
	globalMetrics.sweepFreed.Add(ctx, bytesFreed)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordTranscode records one transcode job.
func RecordTranscode(ctx context.Context, variant string, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	)
	globalMetrics.transcodeTotal.Add(ctx, 1, attrs)
	globalMetrics.transcodeDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateCatalogState updates the catalog snapshot gauges after a rebuild.
func UpdateCatalogState(ctx context.Context, songs, overrides int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.catalogSongs.Record(ctx, int64(songs))
	globalMetrics.catalogOverrides.Record(ctx, int64(overrides))
}

// RecordRefresh records one catalog refresh attempt.
func RecordRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler. Returns
// 404 if Prometheus export is not enabled, allowing safe registration
// regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are
// configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
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
