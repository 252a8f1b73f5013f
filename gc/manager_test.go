package gc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
	"github.com/wolfeidau/blob-cache/storage"
	"github.com/wolfeidau/blob-cache/version"
)

type testEnv struct {
	bolt  *storage.Bolt
	fs    *backend.Filesystem
	cache *version.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	fs, err := backend.NewFilesystem(filepath.Join(dir, "chunks"), backend.WithoutFsync())
	require.NoError(t, err)

	bolt := storage.NewBolt(fs, storage.WithNoSync(true))
	require.NoError(t, bolt.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = bolt.Close() })

	cache := version.NewCache("test", bolt,
		version.WithSyncIO(),
		version.WithChunkSize(64),
		version.WithLogger(discardLogger()),
	)
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	return &testEnv{bolt: bolt, fs: fs, cache: cache}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(index ChunkIndex, chunks backend.Backend, opts ...ManagerOption) *Manager {
	config := DefaultConfig()
	config.BatchSize = 100
	opts = append([]ManagerOption{WithLogger(discardLogger())}, opts...)
	return New(index, chunks, config, opts...)
}

// writeOrphan stores a valid chunk frame at id that no version references.
func writeOrphan(t *testing.T, fs *backend.Filesystem, id uint64, writtenAt time.Time) string {
	t.Helper()
	codec, err := backend.NewFrameCodec(backend.EncodingIdentity, backend.WithFrameClock(func() time.Time { return writtenAt }))
	require.NoError(t, err)
	defer codec.Close()

	frame, err := codec.Encode([]byte("orphaned chunk payload"))
	require.NoError(t, err)

	key := blobcache.ChunkStorageKey(id)
	require.NoError(t, fs.Write(context.Background(), key, bytes.NewReader(frame)))
	return key
}

func TestManager_RunNow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.cache.WriteBlob(ctx, "kept", bytes.NewReader(bytes.Repeat([]byte("k"), 200)), version.WriteOptions{})
	require.NoError(t, err)

	referenced, err := env.bolt.ReferencedChunks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), referenced.GetCardinality())

	old := writeOrphan(t, env.fs, 1<<40, time.Now().Add(-2*time.Hour))
	young := writeOrphan(t, env.fs, 1<<41, time.Now())

	mgr := newTestManager(env.bolt, env.fs)
	result := mgr.RunNow(ctx)

	require.NotNil(t, result)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 6, result.ChunksScanned)
	assert.Equal(t, 4, result.ChunksReferenced)
	assert.Equal(t, 1, result.OrphansDeleted)
	assert.Equal(t, 1, result.OrphansTooYoung)
	assert.Positive(t, result.BytesReclaimed)

	exists, err := env.fs.Exists(ctx, old)
	require.NoError(t, err)
	assert.False(t, exists, "old orphan should be deleted")

	exists, err = env.fs.Exists(ctx, young)
	require.NoError(t, err)
	assert.True(t, exists, "young orphan is inside the grace period")

	var buf bytes.Buffer
	_, err = env.cache.ReadBlob(ctx, "kept", &buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("k"), 200), buf.Bytes())
}

func TestManager_GraceUsesClock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key := writeOrphan(t, env.fs, 7, time.Now())

	mgr := newTestManager(env.bolt, env.fs, WithNow(func() time.Time { return time.Now().Add(3 * time.Hour) }))
	result := mgr.RunNow(ctx)
	assert.Equal(t, 1, result.OrphansDeleted)

	exists, err := env.fs.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManager_InvalidFrameDeleted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	junk := blobcache.ChunkStorageKey(9)
	require.NoError(t, env.fs.Write(ctx, junk, strings.NewReader("not a frame")))
	foreign := "other/object"
	require.NoError(t, env.fs.Write(ctx, foreign, strings.NewReader("left alone")))

	result := newTestManager(env.bolt, env.fs).RunNow(ctx)
	assert.Equal(t, 1, result.ChunksScanned)
	assert.Equal(t, 1, result.OrphansDeleted)

	exists, err := env.fs.Exists(ctx, junk)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = env.fs.Exists(ctx, foreign)
	require.NoError(t, err)
	assert.True(t, exists, "objects outside the chunk prefix are ignored")
}

func TestManager_DeletedBlobChunksNotOrphaned(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.cache.WriteBlob(ctx, "gone", bytes.NewReader(bytes.Repeat([]byte("g"), 300)), version.WriteOptions{})
	require.NoError(t, err)
	_, err = env.cache.DeleteBlob(ctx, "gone")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.cache.PoolStats().Managers == 0 }, time.Second, time.Millisecond)

	result := newTestManager(env.bolt, env.fs).RunNow(ctx)
	assert.Zero(t, result.ChunksScanned, "deleting a version removes its chunks")
}

func TestManager_BatchSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	old := time.Now().Add(-2 * time.Hour)
	for id := uint64(100); id < 110; id++ {
		writeOrphan(t, env.fs, id, old)
	}

	config := DefaultConfig()
	config.BatchSize = 3
	config.Concurrency = 2
	mgr := New(env.bolt, env.fs, config, WithLogger(discardLogger()))

	assert.Equal(t, 3, mgr.RunNow(ctx).OrphansDeleted)
	assert.Equal(t, 3, mgr.RunNow(ctx).OrphansDeleted)
	assert.Equal(t, 3, mgr.RunNow(ctx).OrphansDeleted)
	assert.Equal(t, 1, mgr.RunNow(ctx).OrphansDeleted)
	assert.Zero(t, mgr.RunNow(ctx).ChunksScanned)
}

type failingIndex struct{}

func (failingIndex) ReferencedChunks(context.Context) (*roaring64.Bitmap, error) {
	return nil, errors.New("index unavailable")
}

func TestManager_IndexFailureDeletesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	key := writeOrphan(t, env.fs, 5, time.Now().Add(-2*time.Hour))

	result := newTestManager(failingIndex{}, env.fs).RunNow(ctx)
	require.Len(t, result.Errors, 1)
	assert.Zero(t, result.OrphansDeleted)

	exists, err := env.fs.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestManager_Status(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mgr := newTestManager(env.bolt, env.fs)

	assert.Nil(t, mgr.Status(), "status should be nil before first run")

	result := mgr.RunNow(ctx)

	status := mgr.Status()
	require.NotNil(t, status)
	assert.Equal(t, result.StartedAt, status.StartedAt)
	assert.Equal(t, result.Duration, status.Duration)
	assert.Equal(t, result.OrphansDeleted, status.OrphansDeleted)
}

func TestManager_StartStop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	config := DefaultConfig()
	config.StartupDelay = 10 * time.Millisecond
	config.Interval = 20 * time.Millisecond

	mgr := New(env.bolt, env.fs, config, WithLogger(discardLogger()))
	mgr.Start(ctx)

	require.Eventually(t, func() bool { return mgr.Status() != nil }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, mgr.Stop(stopCtx))
	require.NoError(t, mgr.Stop(stopCtx), "stop should be idempotent")
}

func TestManager_DoubleStart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	config := DefaultConfig()
	config.StartupDelay = time.Hour

	mgr := New(env.bolt, env.fs, config, WithLogger(discardLogger()))
	mgr.Start(ctx)
	mgr.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(stopCtx))

	mgr.Start(ctx)
	require.NoError(t, mgr.Stop(stopCtx), "a stopped manager can be restarted")
}

func TestManager_Metrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	writeOrphan(t, env.fs, 11, time.Now().Add(-2*time.Hour))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	mgr := newTestManager(env.bolt, env.fs, WithMetrics(provider.Meter("test")))
	mgr.RunNow(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counters := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counters[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), counters["blob_cache_gc_runs_total"])
	assert.Equal(t, int64(1), counters["blob_cache_gc_orphan_chunks_deleted_total"])
	assert.Equal(t, int64(1), counters["blob_cache_gc_chunks_scanned_total"])
}
