package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs global Metrics backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter returns the data points of a sum metric by name.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/blobs/a", nil)
	r = InjectTags(r)
	SetEndpoint(r, "blob_get")
	SetResult(r, ResultHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "blob_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "blob_get"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "result", "hit"))

	bytesDps := findCounter(rm, "blob_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "blob_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "blob_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "other"))
	require.True(t, hasAttr(dps[0].Attributes, "result", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordStorageOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := WithCache(context.Background(), "default")

	RecordStorageOp(ctx, "bolt", "write_next_chunk", "success", time.Millisecond, 4096)
	RecordStorageOp(ctx, "bolt", "read_blob_info", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blob_cache_storage_ops_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "cache", "default"))
		require.True(t, hasAttr(dp.Attributes, "store", "bolt"))
	}

	bytesDps := findCounter(rm, "blob_cache_storage_bytes_total")
	require.Len(t, bytesDps, 1, "zero-byte ops are not counted")
	require.EqualValues(t, 4096, bytesDps[0].Value)
}

func TestVersionAndCorruptionCounters(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := WithCache(context.Background(), "c1")

	RecordVersionOutcome(ctx, VersionWon)
	RecordVersionOutcome(ctx, VersionWon)
	RecordVersionOutcome(ctx, VersionLost)
	RecordCorruption(ctx, "chunk")
	AddLiveManagers(ctx, 3)
	AddLiveManagers(ctx, -1)
	RecordConvergenceAction(ctx, "tombstone", true)

	rm := collectMetrics(t, reader)

	outcomes := findCounter(rm, "blob_cache_version_outcomes_total")
	require.Len(t, outcomes, 2)
	for _, dp := range outcomes {
		if hasAttr(dp.Attributes, "outcome", VersionWon) {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", VersionLost))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	corrupt := findCounter(rm, "blob_cache_corruption_total")
	require.Len(t, corrupt, 1)
	require.True(t, hasAttr(corrupt[0].Attributes, "kind", "chunk"))

	live := findCounter(rm, "blob_cache_live_managers")
	require.Len(t, live, 1)
	require.EqualValues(t, 2, live[0].Value)

	conv := findCounter(rm, "blob_cache_convergence_actions_total")
	require.Len(t, conv, 1)
	require.True(t, hasAttr(conv[0].Attributes, "action", "tombstone"))
}

func TestBlobStats(t *testing.T) {
	reader := setupTestMetrics(t)

	s := NewBlobStats("stats")
	s.AddBlobRead(10, 10)
	s.AddBlobRead(3, 10)
	s.AddBlobWritten(100, true)
	s.AddBlobWritten(50, false)

	snap := s.Snapshot()
	require.Equal(t, StatsSnapshot{Reads: 2, BytesRead: 13, Writes: 2, BytesWritten: 150, BecameCurrent: 1}, snap)

	rm := collectMetrics(t, reader)
	reads := findCounter(rm, "blob_cache_blob_reads_total")
	require.Len(t, reads, 2, "full and partial reads are split")
	for _, dp := range reads {
		require.True(t, hasAttr(dp.Attributes, "cache", "stats"))
	}

	writes := findHistogram(rm, "blob_cache_blob_write_size_bytes")
	require.Len(t, writes, 2)
}

func TestRecordReaperCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReaperCycle(context.Background(), "expiry", 4, 10*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blob_cache_reaper_expunged_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reaper", "expiry"))
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordStorageOp(ctx, "m", "op", "success", 0, 1)
	RecordBackendOp(ctx, "fs", "read", "success", 0, 1)
	RecordBlobRead(ctx, 1, 1)
	RecordBlobWritten(ctx, 1, true)
	RecordVersionOutcome(ctx, VersionDenied)
	RecordCorruption(ctx, "size")
	RecordConvergenceAction(ctx, "persist", false)
	AddLiveManagers(ctx, 1)
	RecordReaperCycle(ctx, "expiry", 0, 0)
	NewBlobStats("x").AddBlobRead(1, 1)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
