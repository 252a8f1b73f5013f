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
	meterName = "github.com/wolfeidau/blob-cache"
)

// Version outcomes recorded by RecordVersionOutcome.
const (
	VersionWon    = "won"
	VersionLost   = "lost"
	VersionDenied = "denied"
	VersionFailed = "failed"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	storageOpsTotal   metric.Int64Counter
	storageOpDuration metric.Float64Histogram
	storageBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	blobReadsTotal       metric.Int64Counter
	blobReadBytesTotal   metric.Int64Counter
	blobWritesTotal      metric.Int64Counter
	blobWriteSize        metric.Float64Histogram
	versionOutcomesTotal metric.Int64Counter
	corruptionTotal      metric.Int64Counter
	convergenceTotal     metric.Int64Counter
	liveManagers         metric.Int64UpDownCounter

	reaperExpungedTotal metric.Int64Counter
	reaperDuration      metric.Float64Histogram

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
		cfg.ServiceName = "blob-cache"
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
			otlpmetricgrpc.WithInsecure(),
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

	// Still collect when nothing exports so the instruments stay live.
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.requestsTotal, err = meter.Int64Counter(
		"blob_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"blob_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"blob_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.storageOpsTotal, err = meter.Int64Counter(
		"blob_cache_storage_ops_total",
		metric.WithDescription("Total number of version storage operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.storageOpDuration, err = meter.Float64Histogram(
		"blob_cache_storage_op_duration_seconds",
		metric.WithDescription("Duration of version storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.storageBytesTotal, err = meter.Int64Counter(
		"blob_cache_storage_bytes_total",
		metric.WithDescription("Total chunk bytes moved through version storage"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"blob_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of chunk backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"blob_cache_backend_requests_total",
		metric.WithDescription("Total number of chunk backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"blob_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.blobReadsTotal, err = meter.Int64Counter(
		"blob_cache_blob_reads_total",
		metric.WithDescription("Total completed blob reads"),
		metric.WithUnit("{read}"),
	); err != nil {
		return nil, err
	}

	if m.blobReadBytesTotal, err = meter.Int64Counter(
		"blob_cache_blob_read_bytes_total",
		metric.WithDescription("Total payload bytes served to readers"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.blobWritesTotal, err = meter.Int64Counter(
		"blob_cache_blob_writes_total",
		metric.WithDescription("Total finished blob writes"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, err
	}

	if m.blobWriteSize, err = meter.Float64Histogram(
		"blob_cache_blob_write_size_bytes",
		metric.WithDescription("Size of blob versions written"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456),
	); err != nil {
		return nil, err
	}

	if m.versionOutcomesTotal, err = meter.Int64Counter(
		"blob_cache_version_outcomes_total",
		metric.WithDescription("Outcome of new versions: won, lost, denied or failed"),
		metric.WithUnit("{version}"),
	); err != nil {
		return nil, err
	}

	if m.corruptionTotal, err = meter.Int64Counter(
		"blob_cache_corruption_total",
		metric.WithDescription("Versions deleted after failing size, chunk or digest checks"),
		metric.WithUnit("{version}"),
	); err != nil {
		return nil, err
	}

	if m.convergenceTotal, err = meter.Int64Counter(
		"blob_cache_convergence_actions_total",
		metric.WithDescription("Actions taken by drained version managers"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}

	if m.liveManagers, err = meter.Int64UpDownCounter(
		"blob_cache_live_managers",
		metric.WithDescription("Version managers currently registered"),
		metric.WithUnit("{manager}"),
	); err != nil {
		return nil, err
	}

	if m.reaperExpungedTotal, err = meter.Int64Counter(
		"blob_cache_reaper_expunged_total",
		metric.WithDescription("Total keys driven through expunge by reapers"),
		metric.WithUnit("{key}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"blob_cache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	return &m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "other"
	result := string(ResultNone)
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("result", result),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStorageOp records one version storage operation.
func RecordStorageOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storageOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.storageOpDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.storageBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordBlobRead records a finished read session.
func RecordBlobRead(ctx context.Context, bytesRead, blobSize int64) {
	if globalMetrics == nil {
		return
	}
	complete := "partial"
	if bytesRead >= blobSize {
		complete = "full"
	}
	attrs := metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.String("completion", complete),
	)
	globalMetrics.blobReadsTotal.Add(ctx, 1, attrs)
	globalMetrics.blobReadBytesTotal.Add(ctx, bytesRead, attrs)
}

// RecordBlobWritten records a finished write session.
func RecordBlobWritten(ctx context.Context, bytesWritten int64, becameCurrent bool) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.Bool("current", becameCurrent),
	)
	globalMetrics.blobWritesTotal.Add(ctx, 1, attrs)
	globalMetrics.blobWriteSize.Record(ctx, float64(bytesWritten), attrs)
}

// RecordVersionOutcome records what happened to a new version.
func RecordVersionOutcome(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.versionOutcomesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.String("outcome", outcome),
	))
}

// RecordCorruption records a version dropped by a consistency check.
// kind is one of "size", "chunk", "inline" or "digest".
func RecordCorruption(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.corruptionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.String("kind", kind),
	))
}

// RecordConvergenceAction records one step of a draining manager.
func RecordConvergenceAction(ctx context.Context, action string, ok bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.convergenceTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
		attribute.String("action", action),
		attribute.Bool("ok", ok),
	))
}

// AddLiveManagers adjusts the live manager gauge by delta.
func AddLiveManagers(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.liveManagers.Add(ctx, delta, metric.WithAttributes(
		attribute.String("cache", CacheFromContext(ctx)),
	))
}

// RecordReaperCycle records one reaper cycle's expunged count and duration.
func RecordReaperCycle(ctx context.Context, reaper string, expunged int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperExpungedTotal.Add(ctx, int64(expunged), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It answers 404 until Prometheus export is enabled, so it can be
// registered regardless of initialization order.
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

// noopExporter is a no-op metrics exporter for when no exporters are configured.
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
