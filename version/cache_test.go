package version

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/hlc"
	"github.com/wolfeidau/blob-cache/storage"
)

const testChunkSize = 64

// manualClock is an hlc clock whose wall time only moves when told to.
type manualClock struct {
	*hlc.Clock

	mu   sync.Mutex
	wall time.Time
}

func newManualClock(selfID uint32) *manualClock {
	c := &manualClock{wall: time.UnixMilli(1_700_000_000_000)}
	c.Clock = hlc.New(selfID, hlc.WithWallClock(c.now))
	return c
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
}

// fixedClock always returns the same time, so versions tie on create time.
type fixedClock struct {
	id uint32
	ts blobcache.Timestamp
}

func (c fixedClock) SelfID() uint32           { return c.id }
func (c fixedClock) Now() blobcache.Timestamp { return c.ts }

type recordingStats struct {
	mu           sync.Mutex
	reads        int
	bytesRead    int64
	writes       int
	bytesWritten int64
	current      int
}

func (s *recordingStats) AddBlobRead(bytesRead, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	s.bytesRead += bytesRead
}

func (s *recordingStats) AddBlobWritten(bytesWritten int64, becameCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.bytesWritten += bytesWritten
	if becameCurrent {
		s.current++
	}
}

type testCache struct {
	*Cache
	store *storage.Memory
	clock *manualClock
	stats *recordingStats
}

func newTestCache(t *testing.T, syncIO bool, opts ...Option) *testCache {
	t.Helper()
	return newTestCacheOn(t, storage.NewMemory(), syncIO, opts...)
}

func newTestCacheOn(t *testing.T, store *storage.Memory, syncIO bool, opts ...Option) *testCache {
	t.Helper()
	tc := &testCache{
		store: store,
		clock: newManualClock(1),
		stats: &recordingStats{},
	}
	base := []Option{
		WithClock(tc.clock),
		WithStats(tc.stats),
		WithChunkSize(testChunkSize),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if syncIO {
		base = append(base, WithSyncIO())
	}
	tc.Cache = NewCache("test", store, append(base, opts...)...)
	t.Cleanup(func() {
		_ = tc.Close(context.Background())
	})
	return tc
}

// ioModes runs fn once with inline storage calls and once with async ones.
func ioModes(t *testing.T, fn func(t *testing.T, syncIO bool)) {
	t.Helper()
	t.Run("sync", func(t *testing.T) { fn(t, true) })
	t.Run("async", func(t *testing.T) { fn(t, false) })
}

// settle waits until every manager has converged and left the registry.
func (tc *testCache) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tc.PoolStats().Managers == 0
	}, 5*time.Second, time.Millisecond)
}

func (tc *testCache) put(t *testing.T, key string, payload []byte, opts WriteOptions) *WriteResult {
	t.Helper()
	res, err := tc.WriteBlob(context.Background(), key, bytes.NewReader(payload), opts)
	require.NoError(t, err)
	return res
}

func (tc *testCache) get(t *testing.T, key string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := tc.ReadBlob(context.Background(), key, &buf)
	require.NoError(t, err)
	return append([]byte{}, buf.Bytes()...)
}

func payload(n int) []byte {
	p := make([]byte, n)
	r := rand.New(rand.NewPCG(uint64(n), 42)) //nolint:gosec // test data
	for i := range p {
		p[i] = byte(r.IntN(256))
	}
	return p
}

func TestCacheDefaults(t *testing.T) {
	c := NewCache("defaults", storage.NewMemory())
	defer func() { _ = c.Close(context.Background()) }()

	require.Equal(t, "defaults", c.Name())
	require.Equal(t, DefaultChunkSize, c.ChunkSize())
	require.Less(t, c.Slot("some-key"), uint32(DefaultSlots))
	require.Equal(t, c.Slot("some-key"), c.Slot("some-key"))
	require.Equal(t, PoolStats{}, c.PoolStats())
}

func TestCacheDeadTime(t *testing.T) {
	c := NewCache("dead", storage.NewMemory(), WithDeadGrace(time.Second))
	defer func() { _ = c.Close(context.Background()) }()

	now := blobcache.NewTimestamp(time.UnixMilli(1_700_000_000_000), 0)

	expire, verExpire, dead := c.expiry(now, 0, 0)
	require.True(t, expire.IsZero())
	require.True(t, verExpire.IsZero())
	require.True(t, dead.IsZero(), "no ttl never dies")

	expire, verExpire, dead = c.expiry(now, 10, 0)
	require.Equal(t, now.AddSeconds(10), expire)
	require.True(t, verExpire.IsZero())
	require.Equal(t, now.AddSeconds(11), dead)

	_, _, dead = c.expiry(now, 10, 5)
	require.Equal(t, now.AddSeconds(6), dead, "earliest expiry wins")

	_, _, dead = c.expiry(now, 0, 5)
	require.Equal(t, now.AddSeconds(6), dead)
}

func TestCacheGetManagerShared(t *testing.T) {
	tc := newTestCache(t, true)

	m1 := tc.getManager(3, "k", false)
	m2 := tc.getManager(3, "k", false)
	require.Same(t, m1, m2)
	require.Equal(t, 2, m1.Refs())
	require.Equal(t, StateActive, m1.State())
	require.Same(t, m1, tc.Manager(3, "k"))

	other := tc.getManager(4, "k", false)
	require.NotSame(t, m1, other, "slot is part of the identity")

	m1.Release()
	m2.Release()
	other.Release()

	require.Equal(t, StateDestroyed, m1.State())
	require.Nil(t, tc.Manager(3, "k"))
	require.Equal(t, 0, tc.PoolStats().Managers)
}

func TestCacheCloseIdempotent(t *testing.T) {
	tc := newTestCache(t, false)
	tc.put(t, "k", []byte("v"), WriteOptions{})

	require.NoError(t, tc.Close(context.Background()))
	require.NoError(t, tc.Close(context.Background()))
}

func TestCachePoolsDrain(t *testing.T) {
	ioModes(t, func(t *testing.T, syncIO bool) {
		tc := newTestCache(t, syncIO)

		for i, n := range []int{0, 10, testChunkSize, 3*testChunkSize + 1} {
			key := string(rune('a' + i))
			tc.put(t, key, payload(n), WriteOptions{})
			require.Equal(t, payload(n), tc.get(t, key))
		}
		_, err := tc.DeleteBlob(context.Background(), "a")
		require.NoError(t, err)
		_, err = tc.Stat(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, tc.Close(context.Background()))
		require.Equal(t, PoolStats{}, tc.PoolStats())
	})
}
