package version

import (
	"context"
	"errors"
	"fmt"
	"sync"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// State is the lifecycle state of a Manager.
type State uint8

const (
	// StateActive means accessors hold references.
	StateActive State = iota
	// StateDraining means no references remain and convergence work runs.
	StateDraining
	// StateDeletingKey is the part of draining where a key tombstone is in
	// flight.
	StateDeletingKey
	// StateDestroyed means the manager left the registry.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDeletingKey:
		return "deleting_key"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type loadState uint8

const (
	loadNone loadState = iota
	loadRunning
	loadDone
)

// Manager owns the current version of one key. All accessors of the key
// share one Manager. It stays in the registry until it is unreferenced and
// has no persist, expire, tombstone or garbage delete work left.
type Manager struct {
	cache *Cache
	shard *shard
	slot  uint32
	key   string

	mu        sync.Mutex
	refs      int
	destroyed bool
	busy      bool

	load     loadState
	loadErr  error
	waiters  []Listener
	cur      *VersionData
	restores uint64

	keyExists       bool
	keyDeleted      bool
	deletingKey     bool
	restorePending  bool
	restoreOnLoad   bool
	tombstoneFailed bool

	// pending counts deletes of superseded, losing and dead versions that
	// have not landed yet, including those waiting on a reader.
	pending int
}

func newManager(c *Cache, sh *shard, slot uint32, key string) *Manager {
	return &Manager{cache: c, shard: sh, slot: slot, key: key}
}

// Key returns the key the manager owns.
func (m *Manager) Key() string {
	return m.key
}

// Slot returns the storage slot of the key.
func (m *Manager) Slot() uint32 {
	return m.slot
}

// Refs returns the number of references held.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.destroyed:
		return StateDestroyed
	case m.refs > 0:
		return StateActive
	case m.deletingKey:
		return StateDeletingKey
	default:
		return StateDraining
	}
}

// Release drops a reference. The last release starts convergence.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.refs <= 0 {
		m.mu.Unlock()
		panic("version: Manager released too many times")
	}
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()

	if last {
		m.onBlockedOpFinish()
	}
}

// requestRestoreLocked makes sure a tombstone from an earlier delete does
// not hide a version about to be created. It reports whether convergence
// must run to issue the restore.
func (m *Manager) requestRestoreLocked() bool {
	if m.deletingKey {
		// The restore is issued once the delete lands.
		m.restorePending = true
		return false
	}
	if m.load != loadDone {
		// Whether the key is tombstoned is unknown until the load lands.
		m.restoreOnLoad = true
		return false
	}
	if !m.keyDeleted {
		return false
	}
	m.keyDeleted = false
	m.restorePending = true
	return true
}

// GetCurVersion returns the current version with a reference the caller
// must release, or nil when the key has none. The first call loads the key
// from storage; concurrent callers share that load. A version found dead is
// dropped and deleted in the background.
func (m *Manager) GetCurVersion(l Listener) (*VersionData, error) {
	m.mu.Lock()
	switch m.load {
	case loadDone:
		v, deletes := m.currentLocked()
		m.mu.Unlock()
		m.deleteVersions(deletes, "expire")
		return v, nil
	case loadRunning:
		m.waiters = append(m.waiters, l)
		m.mu.Unlock()
		return nil, ErrWouldBlock
	}
	if m.loadErr != nil {
		err := m.loadErr
		m.loadErr = nil
		m.mu.Unlock()
		return nil, err
	}
	m.load = loadRunning
	gen := m.restores
	m.mu.Unlock()

	m.cache.io.run(func(ctx context.Context) {
		m.loadFromStorage(ctx, gen)
	})

	m.mu.Lock()
	switch {
	case m.load == loadDone:
		v, deletes := m.currentLocked()
		m.mu.Unlock()
		m.deleteVersions(deletes, "expire")
		return v, nil
	case m.load == loadNone && m.loadErr != nil:
		err := m.loadErr
		m.loadErr = nil
		m.mu.Unlock()
		return nil, err
	}
	m.waiters = append(m.waiters, l)
	m.mu.Unlock()
	return nil, ErrWouldBlock
}

// currentLocked returns a reference to the live current version, detaching
// it when dead.
func (m *Manager) currentLocked() (*VersionData, []*VersionData) {
	if m.cur == nil {
		return nil, nil
	}
	if m.cur.isDead(m.cache.clock.Now()) {
		return nil, []*VersionData{m.detachLocked()}
	}
	return m.cur.ref(), nil
}

// detachLocked removes the current version and hands its reference to a
// pending delete.
func (m *Manager) detachLocked() *VersionData {
	v := m.cur
	m.cur = nil
	m.pending++
	return v
}

func (m *Manager) loadFromStorage(ctx context.Context, gen uint64) {
	row, err := m.cache.storage.ReadBlobInfo(ctx, m.slot, m.key)

	var best *blobcache.BlobInfo
	var losers []*blobcache.BlobInfo
	if err == nil {
		now := m.cache.clock.Now()
		for _, info := range row.Infos {
			switch {
			case info.IsDead(now):
				losers = append(losers, info)
			case blobcache.Newer(info, best):
				if best != nil {
					losers = append(losers, best)
				}
				best = info
			default:
				losers = append(losers, info)
			}
		}
	}

	m.mu.Lock()
	var deletes []*VersionData
	if err != nil {
		m.load = loadNone
		m.loadErr = fmt.Errorf("reading blob info: %w", err)
		m.cache.logger.Error("reading blob info failed", "key", m.key, "slot", m.slot, "error", err)
	} else {
		m.load = loadDone
		m.keyExists = row.Exists
		if row.Deleted && m.restores == gen {
			if m.restoreOnLoad {
				m.restorePending = true
			} else {
				m.keyDeleted = true
			}
		}
		m.restoreOnLoad = false
		if best != nil {
			m.cur = m.cache.newVersion(best)
		}
		for _, info := range losers {
			m.pending++
			deletes = append(deletes, m.cache.newVersion(info))
		}
	}
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	if len(losers) > 0 {
		m.cache.logger.Debug("dropping stale versions", "key", m.key, "count", len(losers))
	}
	m.deleteVersions(deletes, "stale")
	for _, l := range waiters {
		l.OnReady()
	}
	m.onBlockedOpFinish()
}

// Current returns the resolved current version without loading, or nil.
func (m *Manager) Current() *VersionData {
	m.mu.Lock()
	if m.load != loadDone {
		m.mu.Unlock()
		return nil
	}
	v, deletes := m.currentLocked()
	m.mu.Unlock()
	m.deleteVersions(deletes, "expire")
	return v
}

// CreateNewVersion allocates a version with fresh coordinates, stamped with
// the local server id and time. The caller owns the returned reference.
// It blocks on storage and must run on a runner goroutine.
func (m *Manager) CreateNewVersion(ctx context.Context, ttl, verTTL uint32) (*VersionData, error) {
	m.mu.Lock()
	kick := m.requestRestoreLocked()
	m.mu.Unlock()
	if kick {
		m.onBlockedOpFinish()
	}
	return m.allocate(ctx, ttl, verTTL)
}

func (m *Manager) allocate(ctx context.Context, ttl, verTTL uint32) (*VersionData, error) {
	coords, err := m.cache.storage.GetNewBlobCoords(ctx, m.slot)
	if err != nil {
		return nil, fmt.Errorf("allocating coords: %w", err)
	}

	now := m.cache.clock.Now()
	expire, verExpire, dead := m.cache.expiry(now, ttl, verTTL)
	return m.cache.newVersion(&blobcache.BlobInfo{
		Key:          m.key,
		Coords:       coords,
		CreateTime:   now,
		CreateServer: m.cache.clock.SelfID(),
		CreateID:     m.cache.createID.Add(1),
		DeadTime:     dead,
		Expire:       expire,
		VerExpire:    verExpire,
		TTL:          ttl,
		VerTTL:       verTTL,
		ChunkSize:    int32(m.cache.chunkSize), //nolint:gosec // chunk sizes fit in int32
	}), nil
}

// FinalizeWriting persists the metadata of v and makes it current if it
// wins the version order against the current version. The loser is deleted
// in the background. A storage failure leaves the visible state untouched.
// It blocks on storage and must run on a runner goroutine.
func (m *Manager) FinalizeWriting(ctx context.Context, v *VersionData) (bool, error) {
	m.mu.Lock()
	loaded := m.load == loadDone
	m.mu.Unlock()
	if !loaded {
		return false, ErrNotLoaded
	}

	info := v.Info()
	if err := m.cache.storage.WriteBlobInfo(ctx, info); err != nil {
		v.setError()
		m.cache.logger.Error("writing blob info failed",
			"key", m.key, "coords", info.Coords, "error", err)
		telemetry.RecordVersionOutcome(m.cache.ctx, telemetry.VersionFailed)
		return false, fmt.Errorf("writing blob info: %w", err)
	}

	m.mu.Lock()
	m.keyExists = true
	var loser, replaced *VersionData
	became := false
	switch cur := m.cur; {
	case cur != nil && cur.Coords() == info.Coords:
		// A load raced the write and picked up this very version.
		m.cur = v.ref()
		replaced = cur
		became = true
	case cur == nil || blobcache.Newer(info, cur.Info()):
		m.cur = v.ref()
		if cur != nil {
			m.pending++
			loser = cur
		}
		became = true
	default:
		m.pending++
		loser = v.ref()
	}
	m.mu.Unlock()
	replaced.release()

	if became {
		telemetry.RecordVersionOutcome(m.cache.ctx, telemetry.VersionWon)
	} else {
		telemetry.RecordVersionOutcome(m.cache.ctx, telemetry.VersionLost)
	}
	if loser != nil {
		m.deleteVersions([]*VersionData{loser}, "superseded")
	}
	return became, nil
}

// DeleteVersion drops v if it is still current and deletes it from storage
// in the background.
func (m *Manager) DeleteVersion(v *VersionData) {
	m.mu.Lock()
	if m.cur == nil || m.cur != v {
		m.mu.Unlock()
		return
	}
	dropped := m.detachLocked()
	m.mu.Unlock()
	m.deleteVersions([]*VersionData{dropped}, "corrupt")
}

// discard deletes a version that never became current, taking over the
// caller's reference.
func (m *Manager) discard(v *VersionData) {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	m.deleteVersions([]*VersionData{v}, "discard")
}

// Prolong extends the expiry of v to now+ttl if v is still current. The
// change is persisted when the manager drains.
func (m *Manager) Prolong(v *VersionData, ttl uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == nil || m.cur == nil || m.cur.Coords() != v.Coords() {
		return false
	}
	return m.cur.prolong(m.cache.clock.Now(), ttl)
}

// deleteVersions deletes each version from storage once its last reference
// is released, so readers streaming it finish first. The caller has counted
// each in pending and hands over one reference per version.
func (m *Manager) deleteVersions(versions []*VersionData, reason string) {
	for _, v := range versions {
		v.doom(func(info *blobcache.BlobInfo) {
			m.cache.io.background(func(ctx context.Context) {
				if err := m.cache.storage.DeleteBlobInfo(ctx, info); err != nil {
					m.cache.logger.Error("deleting version failed",
						"key", m.key, "coords", info.Coords, "reason", reason, "error", err)
				}

				m.mu.Lock()
				m.pending--
				m.mu.Unlock()
				m.onBlockedOpFinish()
			})
		})
		v.release()
	}
}

// onBlockedOpFinish re-evaluates what the manager must do after a
// reference change or a completed storage call. Actions run without the
// lock and re-enter this function when they finish.
func (m *Manager) onBlockedOpFinish() {
	for {
		m.mu.Lock()
		if m.destroyed || m.busy {
			m.mu.Unlock()
			return
		}

		switch {
		case m.restorePending && !m.deletingKey:
			m.restorePending = false
			m.busy = true
			m.mu.Unlock()
			m.runAction("restore",
				func(ctx context.Context) error {
					return m.cache.storage.RestoreBlobKey(ctx, m.slot, m.key)
				},
				func(err error) {
					if err == nil {
						m.keyDeleted = false
						m.restores++
					}
				})
			return

		case m.refs > 0 || m.load == loadRunning:
			m.mu.Unlock()
			return

		case m.cur != nil && m.cur.needsWrite():
			v := m.cur.ref()
			m.busy = true
			m.mu.Unlock()
			info, gen := v.writeSnapshot()
			m.runAction("persist",
				func(ctx context.Context) error {
					err := m.cache.storage.UpdateBlobInfo(ctx, info)
					// A failed persist is dropped; the stored expiry stays authoritative.
					v.written(gen)
					v.release()
					return err
				},
				func(error) {})
			return

		case m.cur != nil && m.cur.isDead(m.cache.clock.Now()):
			v := m.detachLocked()
			m.mu.Unlock()
			telemetry.RecordConvergenceAction(m.cache.ctx, "expire", true)
			m.deleteVersions([]*VersionData{v}, "expire")
			continue

		case m.tombstoneDueLocked():
			m.deletingKey = true
			m.busy = true
			m.mu.Unlock()
			m.runAction("tombstone",
				func(ctx context.Context) error {
					return m.cache.storage.DeleteBlobKey(ctx, m.slot, m.key)
				},
				func(err error) {
					m.deletingKey = false
					if err != nil {
						m.tombstoneFailed = true
						return
					}
					m.keyDeleted = true
				})
			return

		case m.pending == 0:
			m.mu.Unlock()
			m.destroy()
			return

		default:
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) tombstoneDueLocked() bool {
	return m.load == loadDone && m.cur == nil && m.pending == 0 &&
		m.keyExists && !m.keyDeleted && !m.tombstoneFailed
}

// runAction runs op in the background, applies its result under the lock
// and re-enters convergence.
func (m *Manager) runAction(name string, op func(ctx context.Context) error, apply func(err error)) {
	m.cache.io.background(func(ctx context.Context) {
		err := op(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.cache.logger.Error("convergence action failed",
				"key", m.key, "slot", m.slot, "action", name, "error", err)
		}
		telemetry.RecordConvergenceAction(m.cache.ctx, name, err == nil)

		m.mu.Lock()
		m.busy = false
		apply(err)
		m.mu.Unlock()
		m.onBlockedOpFinish()
	})
}

// destroyableLocked reports whether no reference or work remains.
func (m *Manager) destroyableLocked() bool {
	if m.destroyed || m.busy || m.refs > 0 || m.pending > 0 || m.restorePending || m.load == loadRunning {
		return false
	}
	if m.cur != nil && (m.cur.needsWrite() || m.cur.isDead(m.cache.clock.Now())) {
		return false
	}
	return !m.tombstoneDueLocked()
}

// destroy removes the manager from the registry. State is re-checked under
// both locks so a late Get is never lost.
func (m *Manager) destroy() {
	sh := m.shard
	sh.mu.Lock()
	m.mu.Lock()
	if !m.destroyableLocked() {
		again := !m.destroyed && m.refs == 0 && !m.busy
		m.mu.Unlock()
		sh.mu.Unlock()
		if again {
			m.onBlockedOpFinish()
		}
		return
	}
	delete(sh.managers, managerKey{slot: m.slot, key: m.key})
	m.destroyed = true
	cur := m.cur
	m.cur = nil
	m.mu.Unlock()
	sh.mu.Unlock()

	cur.release()
	telemetry.AddLiveManagers(m.cache.ctx, -1)
	telemetry.RecordConvergenceAction(m.cache.ctx, "destroy", true)
}
