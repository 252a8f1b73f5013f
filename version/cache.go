// Package version manages the versions of blobs held in a storage backend.
//
// A Cache owns one Manager per live key. The Manager decides which version
// of the key is current, and Accessors drive single read, write and delete
// operations through it. Storage calls never block the caller: operations
// return ErrWouldBlock and notify a Listener when they can be retried.
package version

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/buffer"
	"github.com/wolfeidau/blob-cache/hlc"
	"github.com/wolfeidau/blob-cache/pool"
	"github.com/wolfeidau/blob-cache/storage"
	"github.com/wolfeidau/blob-cache/telemetry"
)

const (
	// DefaultChunkSize is the capacity of one storage chunk.
	DefaultChunkSize = 1 << 20

	// DefaultSlots is the number of storage slots keys are spread over.
	DefaultSlots = 1024

	// DefaultIOConcurrency bounds concurrent storage calls.
	DefaultIOConcurrency = 64

	shardCount = 64
)

// Clock stamps versions with the local server id and time.
type Clock interface {
	SelfID() uint32
	Now() blobcache.Timestamp
}

// Observer is implemented by clocks that merge timestamps from peers, so
// versions created locally after a replica is adopted order after it.
type Observer interface {
	Observe(ts blobcache.Timestamp)
}

// Stats receives usage counters from accessors as they are released.
type Stats interface {
	AddBlobRead(bytesRead, blobSize int64)
	AddBlobWritten(bytesWritten int64, becameCurrent bool)
}

type managerKey struct {
	slot uint32
	key  string
}

type shard struct {
	mu       sync.Mutex
	managers map[managerKey]*Manager
}

// Cache is the shared descriptor of one named blob cache.
type Cache struct {
	name      string
	storage   storage.Storage
	clock     Clock
	stats     Stats
	logger    *slog.Logger
	chunkSize int
	slots     uint32
	ttl       uint32
	verTTL    uint32
	deadGrace time.Duration

	syncIO      bool
	concurrency int64
	bgLimit     rate.Limit
	bgBurst     int

	io        *runner
	buffers   *buffer.Pool
	versions  *pool.Pool[VersionData]
	accessors *pool.Pool[Accessor]
	shards    [shardCount]shard
	createID  atomic.Uint64
	ctx       context.Context
	closed    atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the identity and clock versions are stamped with.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithStats sets the statistics sink.
func WithStats(stats Stats) Option {
	return func(c *Cache) {
		c.stats = stats
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithChunkSize sets the chunk capacity of new versions.
func WithChunkSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithSlots sets the number of storage slots.
func WithSlots(n uint32) Option {
	return func(c *Cache) {
		if n > 0 {
			c.slots = n
		}
	}
}

// WithTTL sets the default expiry and version expiry, in seconds, of new
// versions. Zero means never.
func WithTTL(ttl, verTTL uint32) Option {
	return func(c *Cache) {
		c.ttl = ttl
		c.verTTL = verTTL
	}
}

// WithDeadGrace sets how long after expiry a version may still be served.
func WithDeadGrace(d time.Duration) Option {
	return func(c *Cache) {
		c.deadGrace = d
	}
}

// WithSyncIO runs storage calls inline, so no operation returns ErrWouldBlock.
func WithSyncIO() Option {
	return func(c *Cache) {
		c.syncIO = true
	}
}

// WithIOConcurrency bounds concurrent storage calls.
func WithIOConcurrency(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithBackgroundRate limits how fast convergence and garbage deletes are
// issued.
func WithBackgroundRate(limit rate.Limit, burst int) Option {
	return func(c *Cache) {
		c.bgLimit = limit
		c.bgBurst = burst
	}
}

// NewCache creates a cache descriptor over store.
func NewCache(name string, store storage.Storage, opts ...Option) *Cache {
	c := &Cache{
		name:        name,
		storage:     store,
		logger:      slog.Default(),
		chunkSize:   DefaultChunkSize,
		slots:       DefaultSlots,
		concurrency: DefaultIOConcurrency,
		bgLimit:     rate.Inf,
		bgBurst:     1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = hlc.New(1)
	}
	if c.stats == nil {
		c.stats = telemetry.NewBlobStats(name)
	}
	c.logger = c.logger.With("component", "version", "cache", name)
	c.ctx = telemetry.WithCache(context.Background(), name)

	c.io = newRunner(c.syncIO, c.concurrency, c.bgLimit, c.bgBurst)
	c.buffers = buffer.NewPool(c.chunkSize)
	c.versions = pool.New(
		func() *VersionData { return &VersionData{} },
		func(v *VersionData) { *v = VersionData{} },
	)
	c.accessors = pool.New(
		func() *Accessor { return &Accessor{} },
		func(a *Accessor) {
			h := a.hasher
			if h != nil {
				h.Reset()
			}
			*a = Accessor{hasher: h}
		},
	)
	for i := range c.shards {
		c.shards[i].managers = make(map[managerKey]*Manager)
	}
	return c
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Storage returns the backing store.
func (c *Cache) Storage() storage.Storage {
	return c.storage
}

// ChunkSize returns the chunk capacity of new versions.
func (c *Cache) ChunkSize() int {
	return c.chunkSize
}

// Slot returns the storage slot of key.
func (c *Cache) Slot(key string) uint32 {
	return blobcache.SlotOf(key, c.slots)
}

// NewAccessor returns a pooled accessor bound to the cache. Call Prepare
// and Initialize before use and Release when done.
func (c *Cache) NewAccessor() *Accessor {
	a := c.accessors.Get()
	a.cache = c
	return a
}

// Manager returns the live manager of key without taking a reference, or nil.
func (c *Cache) Manager(slot uint32, key string) *Manager {
	k := managerKey{slot: slot, key: key}
	sh := c.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.managers[k]
}

// PoolStats reports live object counts.
type PoolStats struct {
	Managers  int   `json:"managers"`
	Versions  int64 `json:"versions"`
	Buffers   int64 `json:"buffers"`
	Accessors int64 `json:"accessors"`
}

// PoolStats returns the number of live managers and pooled objects in use.
func (c *Cache) PoolStats() PoolStats {
	s := PoolStats{
		Versions:  c.versions.InUse(),
		Buffers:   c.buffers.InUse(),
		Accessors: c.accessors.InUse(),
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		s.Managers += len(sh.managers)
		sh.mu.Unlock()
	}
	return s
}

// Close waits for in-flight storage calls and convergence work.
func (c *Cache) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug("closing cache")
	return c.io.close(ctx)
}

func (c *Cache) shardFor(k managerKey) *shard {
	return &c.shards[k.slot%shardCount]
}

// getManager returns the manager of key with a new reference, creating it
// if needed.
func (c *Cache) getManager(slot uint32, key string, forNew bool) *Manager {
	k := managerKey{slot: slot, key: key}
	sh := c.shardFor(k)

	sh.mu.Lock()
	m, ok := sh.managers[k]
	if !ok {
		m = newManager(c, sh, slot, key)
		sh.managers[k] = m
		telemetry.AddLiveManagers(c.ctx, 1)
	}
	m.mu.Lock()
	m.refs++
	kick := forNew && m.requestRestoreLocked()
	m.mu.Unlock()
	sh.mu.Unlock()

	if kick {
		m.onBlockedOpFinish()
	}
	return m
}

// expiry returns the expire and dead time of a version created at now.
func (c *Cache) expiry(now blobcache.Timestamp, ttl, verTTL uint32) (expire, verExpire, dead blobcache.Timestamp) {
	if ttl > 0 {
		expire = now.AddSeconds(ttl)
	}
	if verTTL > 0 {
		verExpire = now.AddSeconds(verTTL)
	}
	return expire, verExpire, c.deadTime(expire, verExpire)
}

// deadTime is the earliest of expire and verExpire plus the dead grace.
func (c *Cache) deadTime(expire, verExpire blobcache.Timestamp) blobcache.Timestamp {
	t := expire
	if t.IsZero() || (!verExpire.IsZero() && verExpire < t) {
		t = verExpire
	}
	if t.IsZero() {
		return 0
	}
	return t.Add(c.deadGrace)
}
