package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
)

// Op names a Storage operation for fault injection and call accounting.
type Op string

const (
	OpReadBlobInfo     Op = "read_blob_info"
	OpWriteBlobInfo    Op = "write_blob_info"
	OpUpdateBlobInfo   Op = "update_blob_info"
	OpDeleteBlobInfo   Op = "delete_blob_info"
	OpDeleteBlobKey    Op = "delete_blob_key"
	OpRestoreBlobKey   Op = "restore_blob_key"
	OpGetNewBlobCoords Op = "get_new_blob_coords"
	OpWriteNextChunk   Op = "write_next_chunk"
	OpWriteSingleChunk Op = "write_single_chunk"
	OpReadChunkData    Op = "read_chunk_data"
	OpReadChunkIds     Op = "read_chunk_ids"
)

type rowKey struct {
	slot uint32
	key  string
}

type memRow struct {
	deleted bool
	infos   map[blobcache.Coords]*blobcache.BlobInfo
}

// Memory is an in-process Storage for tests and ephemeral caches.
// It supports fault injection and can hold operations open to simulate
// slow I/O.
type Memory struct {
	mu        sync.Mutex
	rows      map[rowKey]*memRow
	chunkIDs  map[blobcache.Coords][]uint64
	inline    map[blobcache.Coords][]byte
	chunks    map[uint64][]byte
	nextSeq   uint64
	nextChunk uint64

	faults  map[Op]error
	gates   map[Op]chan struct{}
	calls   map[Op]int
	latency time.Duration
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithLatency delays every operation by d.
func WithLatency(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.latency = d
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		rows:     make(map[rowKey]*memRow),
		chunkIDs: make(map[blobcache.Coords][]uint64),
		inline:   make(map[blobcache.Coords][]byte),
		chunks:   make(map[uint64][]byte),
		faults:   make(map[Op]error),
		gates:    make(map[Op]chan struct{}),
		calls:    make(map[Op]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailOn makes every subsequent op fail with err until ClearFaults.
func (m *Memory) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

// ClearFaults removes all injected failures.
func (m *Memory) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.faults)
}

// Hold makes op block until the returned release func is called.
// Calls already blocked on a previous Hold of the same op are released too.
func (m *Memory) Hold(op Op) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gates[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[op] == gate {
				delete(m.gates, op)
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Row returns a copy of the key row including tombstoned infos.
func (m *Memory) Row(slot uint32, key string) (KeyRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowKey{slot, key}]
	if !ok {
		return KeyRow{}, false
	}
	return KeyRow{Exists: true, Deleted: row.deleted, Infos: sortedInfos(row)}, true
}

// ChunkObjects returns the number of stored chunk payloads, inline ones
// included.
func (m *Memory) ChunkObjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks) + len(m.inline)
}

// MutateChunkIDs rewrites the stored chunk id list of a version.
func (m *Memory) MutateChunkIDs(coords blobcache.Coords, fn func([]uint64) []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkIDs[coords] = fn(slices.Clone(m.chunkIDs[coords]))
}

// MutateChunk rewrites a stored chunk payload.
func (m *Memory) MutateChunk(id uint64, fn func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[id] = fn(slices.Clone(m.chunks[id]))
}

// MutateInline rewrites the inline payload of a version.
func (m *Memory) MutateInline(coords blobcache.Coords, fn func([]byte) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inline[coords] = fn(slices.Clone(m.inline[coords]))
}

// enter accounts for the call, waits on any gate and injected latency, and
// returns an injected failure. It must be called without m.mu held.
func (m *Memory) enter(ctx context.Context, op Op) error {
	m.mu.Lock()
	m.calls[op]++
	gate := m.gates[op]
	latency := m.latency
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.faults[op]
}

// ReadBlobInfo returns the key row.
func (m *Memory) ReadBlobInfo(ctx context.Context, slot uint32, key string) (*KeyRow, error) {
	if err := m.enter(ctx, OpReadBlobInfo); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[rowKey{slot, key}]
	if !ok {
		return &KeyRow{}, nil
	}
	if row.deleted {
		return &KeyRow{Exists: true, Deleted: true}, nil
	}
	return &KeyRow{Exists: true, Infos: sortedInfos(row)}, nil
}

// WriteBlobInfo adds a version to its key row.
func (m *Memory) WriteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	if err := m.enter(ctx, OpWriteBlobInfo); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := rowKey{info.Coords.Slot, info.Key}
	row, ok := m.rows[rk]
	if !ok {
		row = &memRow{infos: make(map[blobcache.Coords]*blobcache.BlobInfo)}
		m.rows[rk] = row
	}
	stored := info.Clone()
	if len(stored.ChunkIDs) > 0 {
		m.chunkIDs[info.Coords] = stored.ChunkIDs
	}
	stored.ChunkIDs = nil
	row.infos[info.Coords] = stored
	return nil
}

// UpdateBlobInfo rewrites an existing version's metadata.
func (m *Memory) UpdateBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	if err := m.enter(ctx, OpUpdateBlobInfo); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[rowKey{info.Coords.Slot, info.Key}]
	if !ok {
		return ErrNotFound
	}
	if _, ok := row.infos[info.Coords]; !ok {
		return ErrNotFound
	}
	stored := info.Clone()
	stored.ChunkIDs = nil
	row.infos[info.Coords] = stored
	return nil
}

// DeleteBlobInfo removes a version and its payload.
func (m *Memory) DeleteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	if err := m.enter(ctx, OpDeleteBlobInfo); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.rows[rowKey{info.Coords.Slot, info.Key}]; ok {
		delete(row.infos, info.Coords)
	}
	for _, id := range m.chunkIDs[info.Coords] {
		delete(m.chunks, id)
	}
	// Chunks written by an accessor that never finalized are only known
	// through the in-flight info.
	for _, id := range info.ChunkIDs {
		delete(m.chunks, id)
	}
	delete(m.chunkIDs, info.Coords)
	delete(m.inline, info.Coords)
	return nil
}

// DeleteBlobKey tombstones the key row.
func (m *Memory) DeleteBlobKey(ctx context.Context, slot uint32, key string) error {
	if err := m.enter(ctx, OpDeleteBlobKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := rowKey{slot, key}
	if row, ok := m.rows[rk]; ok {
		if len(row.infos) == 0 {
			delete(m.rows, rk)
		} else {
			row.deleted = true
		}
	}
	return nil
}

// RestoreBlobKey clears the tombstone.
func (m *Memory) RestoreBlobKey(ctx context.Context, slot uint32, key string) error {
	if err := m.enter(ctx, OpRestoreBlobKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.rows[rowKey{slot, key}]; ok {
		row.deleted = false
	}
	return nil
}

// GetNewBlobCoords allocates fresh coordinates.
func (m *Memory) GetNewBlobCoords(ctx context.Context, slot uint32) (blobcache.Coords, error) {
	if err := m.enter(ctx, OpGetNewBlobCoords); err != nil {
		return blobcache.Coords{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	return blobcache.Coords{Slot: slot, Epoch: 1, Seq: m.nextSeq}, nil
}

// WriteNextChunk stores one chunk and returns its id.
func (m *Memory) WriteNextChunk(ctx context.Context, _ blobcache.Coords, data []byte) (uint64, error) {
	if err := m.enter(ctx, OpWriteNextChunk); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextChunk++
	m.chunks[m.nextChunk] = slices.Clone(data)
	return m.nextChunk, nil
}

// WriteSingleChunk stores an inline payload.
func (m *Memory) WriteSingleChunk(ctx context.Context, coords blobcache.Coords, data []byte) error {
	if err := m.enter(ctx, OpWriteSingleChunk); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inline[coords] = slices.Clone(data)
	return nil
}

// ReadChunkData reads a chunk or inline payload.
func (m *Memory) ReadChunkData(ctx context.Context, coords blobcache.Coords, chunkID uint64, dst []byte) ([]byte, error) {
	if err := m.enter(ctx, OpReadChunkData); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		data []byte
		ok   bool
	)
	if chunkID == blobcache.InlineChunkID {
		data, ok = m.inline[coords]
	} else {
		data, ok = m.chunks[chunkID]
	}
	if !ok {
		return nil, ErrNotFound
	}
	return append(dst[:0], data...), nil
}

// ReadChunkIds returns the chunk id list of a version.
func (m *Memory) ReadChunkIds(ctx context.Context, coords blobcache.Coords) ([]uint64, error) {
	if err := m.enter(ctx, OpReadChunkIds); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.chunkIDs[coords]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(ids), nil
}

// DeadBefore lists keys holding a version whose dead time is reached.
func (m *Memory) DeadBefore(_ context.Context, now blobcache.Timestamp, limit int) ([]DeadKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []DeadKey
	for rk, row := range m.rows {
		if row.deleted {
			continue
		}
		for _, info := range row.infos {
			if info.IsDead(now) {
				dead = append(dead, DeadKey{Slot: rk.slot, Key: rk.key, DeadTime: info.DeadTime})
			}
		}
	}
	slices.SortFunc(dead, func(a, b DeadKey) int { return cmp.Compare(a.DeadTime, b.DeadTime) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func sortedInfos(row *memRow) []*blobcache.BlobInfo {
	infos := make([]*blobcache.BlobInfo, 0, len(row.infos))
	for _, info := range row.infos {
		infos = append(infos, info.Clone())
	}
	slices.SortFunc(infos, func(a, b *blobcache.BlobInfo) int { return cmp.Compare(a.Coords.Seq, b.Coords.Seq) })
	return infos
}

// Compile-time interface checks
var (
	_ Storage   = (*Memory)(nil)
	_ DeadIndex = (*Memory)(nil)
)
