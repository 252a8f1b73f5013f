// Package gc sweeps chunk objects that no persisted version references.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/blob-cache/backend"
)

// ChunkIndex reports the chunk ids referenced by persisted versions.
type ChunkIndex interface {
	ReferencedChunks(ctx context.Context) (*roaring64.Bitmap, error)
}

// Config configures the GC manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 5m)
	Grace        time.Duration // Minimum chunk age before deletion (default: 1h)
	BatchSize    int           // Max chunks deleted per run (default: 1000)
	Concurrency  int           // Parallel backend deletes (default: 8)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		Grace:        1 * time.Hour,
		BatchSize:    1000,
		Concurrency:  8,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ChunksScanned    int           `json:"chunks_scanned"`
	ChunksReferenced int           `json:"chunks_referenced"`
	OrphansDeleted   int           `json:"orphans_deleted"`
	OrphansTooYoung  int           `json:"orphans_too_young"`
	BytesReclaimed   int64         `json:"bytes_reclaimed"`
	Errors           []string      `json:"errors,omitempty"`
}

// Manager runs the orphan chunk sweep.
type Manager struct {
	index   ChunkIndex
	backend backend.Backend
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics registers gc instruments on meter.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithNow sets the clock chunk ages are measured against.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a GC manager sweeping the chunk objects of chunks.
func New(index ChunkIndex, chunks backend.Backend, config Config, opts ...ManagerOption) *Manager {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.Grace < 0 {
		config.Grace = 0
	}

	m := &Manager{
		index:   index,
		backend: chunks,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "gc")
	return m
}

// Start starts the background GC goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, doneCh)
}

// Stop stops the GC manager, waiting for an in-progress run until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate GC run.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runGC(ctx)
}

// Status returns the last GC run result, nil before the first run.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"grace", m.config.Grace,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setStopped()
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setStopped()
			return
		}
	}
}

func (m *Manager) setStopped() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{
		StartedAt: m.now(),
	}
	start := time.Now()

	m.logger.Debug("starting gc run")

	m.sweepOrphans(ctx, result)

	result.Duration = time.Since(start)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"chunks_scanned", result.ChunksScanned,
		"orphans_deleted", result.OrphansDeleted,
		"orphans_too_young", result.OrphansTooYoung,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.chunksScanned.Add(ctx, int64(result.ChunksScanned))
	m.metrics.orphansDeleted.Add(ctx, int64(result.OrphansDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
