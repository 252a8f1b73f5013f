// Package expiry honours explicit version expiry. It finds keys whose
// versions are past their dead time and has the version manager drop them.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/storage"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// Expunger resolves a key so that a dead current version is deleted and the
// key tombstoned. *version.Cache implements it.
type Expunger interface {
	Expunge(ctx context.Context, slot uint32, key string) (bool, error)
}

// Reaper periodically expunges keys holding dead versions.
type Reaper struct {
	index     storage.DeadIndex
	cache     Expunger
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() blobcache.Timestamp

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets how often the reaper runs.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets the maximum number of dead keys handled per cycle.
func WithBatchSize(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLogger sets the logger for the reaper.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithNow sets the clock dead times are compared against. Pass the cache
// clock's Now so both agree on what is dead.
func WithNow(now func() blobcache.Timestamp) Option {
	return func(r *Reaper) {
		r.now = now
	}
}

// NewReaper creates a reaper over index that expunges through cache.
// Defaults: interval=1m, batchSize=100.
func NewReaper(index storage.DeadIndex, cache Expunger, opts ...Option) *Reaper {
	r := &Reaper{
		index:     index,
		cache:     cache,
		interval:  time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
		now: func() blobcache.Timestamp {
			return blobcache.NewTimestamp(time.Now(), 0)
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "expiry")
	return r
}

// Start begins background reaping. It returns immediately.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return
	}
	r.running = true
	go r.run(ctx)
}

// Stop stops background reaping and waits for the current cycle.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval, "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// Result describes one reap cycle.
type Result struct {
	// Dead is the number of distinct keys the index reported.
	Dead int `json:"dead"`
	// Expunged counts keys left with no live version.
	Expunged int `json:"expunged"`
	// Live counts keys that turned out to hold a live version, for example
	// because the version was prolonged or rewritten since it was indexed.
	Live     int           `json:"live"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// ReapNow runs a single cycle immediately.
func (r *Reaper) ReapNow(ctx context.Context) *Result {
	return r.reap(ctx)
}

func (r *Reaper) reap(ctx context.Context) *Result {
	start := time.Now()
	result := &Result{}
	defer func() {
		result.Duration = time.Since(start)
		telemetry.RecordReaperCycle(ctx, "expiry", result.Expunged, result.Duration)
	}()

	dead, err := r.index.DeadBefore(ctx, r.now(), r.batchSize)
	if err != nil {
		r.logger.Error("listing dead versions failed", "error", err)
		result.Errors++
		return result
	}

	type slotKey struct {
		slot uint32
		key  string
	}
	seen := make(map[slotKey]struct{}, len(dead))
	for _, d := range dead {
		k := slotKey{d.Slot, d.Key}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		result.Dead++

		live, err := r.cache.Expunge(ctx, d.Slot, d.Key)
		switch {
		case err != nil:
			r.logger.Warn("expunging key failed", "key", d.Key, "slot", d.Slot, "error", err)
			result.Errors++
		case live:
			result.Live++
		default:
			result.Expunged++
		}
	}

	if result.Dead > 0 {
		r.logger.Info("dead versions reaped",
			"expunged", result.Expunged,
			"live", result.Live,
			"errors", result.Errors)
	}
	return result
}
