package version

import (
	"context"
	"errors"
	"fmt"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/buffer"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// AccessType selects what an Accessor does.
type AccessType uint8

const (
	// AccessRead streams the current version out.
	AccessRead AccessType = iota
	// AccessCreate writes a new version. A password protected current
	// version rejects it unless the passwords match.
	AccessCreate
	// AccessCopyCreate writes a version replicated from a peer. It is not
	// subject to the password check.
	AccessCopyCreate
	// AccessGCDelete deletes the key by writing an empty, already dead
	// version.
	AccessGCDelete
)

func (t AccessType) String() string {
	switch t {
	case AccessRead:
		return "read"
	case AccessCreate:
		return "create"
	case AccessCopyCreate:
		return "copy_create"
	case AccessGCDelete:
		return "gc_delete"
	default:
		return "unknown"
	}
}

func (t AccessType) creates() bool {
	return t == AccessCreate || t == AccessCopyCreate
}

// Accessor drives one operation on one key. It is used by a single
// goroutine at a time.
//
// Operations that touch storage take a Listener and return ErrWouldBlock
// when the call is still in flight; call them again once the listener
// fires. Storage failures and corruption never surface as errors from
// these operations. Check HasError once an operation has completed.
type Accessor struct {
	cache    *Cache
	key      string
	password string
	slot     uint32
	access   AccessType
	ttl      uint32
	verTTL   uint32

	mgr    *Manager
	cur    *VersionData
	info   *blobcache.BlobInfo
	new    *VersionData
	buf    *buffer.Buffer
	hasher *blobcache.Hasher
	call   call

	curResolved bool
	metaDone    bool
	firstDone   bool
	finalized   bool
	became      bool
	denied      bool
	hasError    bool

	// Read side.
	loaded    []byte
	chunkIDs  []uint64
	nextChunk int
	off       int
	streamed  int64

	// Write side.
	written int64
	flushed bool
}

// Prepare sets up the accessor for key. It does no I/O.
func (a *Accessor) Prepare(key, password string, slot uint32, access AccessType) {
	a.key = key
	a.password = password
	a.slot = slot
	a.access = access
	a.ttl = a.cache.ttl
	a.verTTL = a.cache.verTTL
}

// SetTTL overrides the cache's default lifetimes, in seconds, for the
// version this accessor creates.
func (a *Accessor) SetTTL(ttl, verTTL uint32) {
	a.ttl = ttl
	a.verTTL = verTTL
}

// Initialize binds the accessor to the key's manager, creating it if needed.
func (a *Accessor) Initialize() error {
	if a.mgr != nil {
		return nil
	}
	if a.cache == nil {
		return ErrNotInitialized
	}
	a.mgr = a.cache.getManager(a.slot, a.key, a.access.creates())
	return nil
}

// Key returns the key.
func (a *Accessor) Key() string { return a.key }

// Access returns the access type.
func (a *Accessor) Access() AccessType { return a.access }

// HasError reports whether a storage call failed or stored data failed
// verification.
func (a *Accessor) HasError() bool { return a.hasError }

// Denied reports whether a create was rejected by the password check.
func (a *Accessor) Denied() bool { return a.denied }

// BecameCurrent reports whether the finalized version won.
func (a *Accessor) BecameCurrent() bool { return a.became }

// Streamed returns the bytes handed out by ReadData.
func (a *Accessor) Streamed() int64 { return a.streamed }

// Written returns the bytes accepted by WriteData.
func (a *Accessor) Written() int64 { return a.written }

// Info returns a copy of the visible current version's metadata, or nil.
func (a *Accessor) Info() *blobcache.BlobInfo {
	if a.cur == nil {
		return nil
	}
	return a.cur.Info()
}

// ObtainMetaInfo resolves the current version and, for create accesses,
// allocates the new version.
func (a *Accessor) ObtainMetaInfo(l Listener) error {
	if a.metaDone {
		return nil
	}
	if a.mgr == nil {
		return ErrNotInitialized
	}

	if !a.curResolved {
		v, err := a.mgr.GetCurVersion(l)
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		a.curResolved = true
		if err != nil {
			a.hasError = true
			a.metaDone = true
			return nil
		}
		a.cur = v
		if v != nil {
			a.info = v.Info()
		}
	}

	if a.access == AccessCreate && a.info != nil && a.info.Password != "" && a.info.Password != a.password {
		a.denied = true
		a.metaDone = true
		telemetry.RecordVersionOutcome(a.cache.ctx, telemetry.VersionDenied)
		a.cache.logger.Debug("create denied by password", "key", a.key)
		return nil
	}

	if a.access.creates() {
		err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
			v, err := a.mgr.CreateNewVersion(ctx, a.ttl, a.verTTL)
			if err != nil {
				return err
			}
			v.update(func(info *blobcache.BlobInfo) {
				info.Password = a.password
			})
			a.new = v
			return nil
		})
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		if err != nil {
			a.hasError = true
			a.cache.logger.Error("creating version failed", "key", a.key, "error", err)
		}
	}

	a.metaDone = true
	return nil
}

// ObtainFirstData loads what reading needs: the whole payload of an inline
// version, or the chunk id list of a multi-chunk one. A size that does not
// match the chunk count marks the version corrupt and deletes it.
func (a *Accessor) ObtainFirstData(l Listener) error {
	if err := a.ObtainMetaInfo(l); err != nil {
		return err
	}
	if a.firstDone {
		return nil
	}
	if a.hasError || a.info == nil {
		a.firstDone = true
		return nil
	}
	info := a.info

	switch {
	case info.Size == 0:
		a.firstDone = true
		a.ensureHasher()
		a.checkDigest()
		return nil

	case info.Inline():
		a.ensureReadBuffer(int(info.ChunkSize))
		err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
			var err error
			a.loaded, err = a.cache.storage.ReadChunkData(ctx, info.Coords, blobcache.InlineChunkID, a.buf.Space()[:0])
			return err
		})
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		a.firstDone = true
		if err != nil {
			a.readFailed("inline", err)
			return nil
		}
		if int64(len(a.loaded)) != info.Size {
			a.corrupt("inline", fmt.Sprintf("inline payload of %d bytes, want %d", len(a.loaded), info.Size))
			return nil
		}
		a.fill(a.loaded)
		a.checkDigest()
		return nil

	default:
		err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
			var err error
			a.chunkIDs, err = a.cache.storage.ReadChunkIds(ctx, info.Coords)
			return err
		})
		if errors.Is(err, ErrWouldBlock) {
			return err
		}
		a.firstDone = true
		if err != nil {
			a.readFailed("size", err)
			return nil
		}
		n := int64(len(a.chunkIDs))
		cs := int64(info.ChunkSize)
		if n == 0 || (n-1)*cs >= info.Size || info.Size > n*cs {
			a.corrupt("size", fmt.Sprintf("%d chunk ids for %d bytes in %d byte chunks", n, info.Size, cs))
			return nil
		}
		a.ensureReadBuffer(int(info.ChunkSize))
		a.ensureHasher()
		return nil
	}
}

// ReadData copies the next bytes of the payload into p. It returns 0 at the
// end of the stream and once HasError is set. Chunks are fetched one at a
// time as p drains them.
func (a *Accessor) ReadData(l Listener, p []byte) (int, error) {
	if a.access != AccessRead {
		return 0, ErrInvalidAccess
	}
	if err := a.ObtainFirstData(l); err != nil {
		return 0, err
	}
	if a.hasError || a.info == nil || len(p) == 0 {
		return 0, nil
	}
	info := a.info

	for {
		if a.buf != nil && a.off < a.buf.Len() {
			n := copy(p, a.buf.Bytes()[a.off:])
			a.off += n
			a.streamed += int64(n)
			return n, nil
		}
		if a.streamed >= info.Size {
			return 0, nil
		}
		if a.nextChunk >= len(a.chunkIDs) {
			a.corrupt("size", fmt.Sprintf("stream ended at %d of %d bytes", a.streamed, info.Size))
			return 0, nil
		}

		idx := a.nextChunk
		err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
			var err error
			a.loaded, err = a.cache.storage.ReadChunkData(ctx, info.Coords, a.chunkIDs[idx], a.buf.Space()[:0])
			return err
		})
		if errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		if err != nil {
			a.readFailed("chunk", err)
			return 0, nil
		}
		if want := info.ChunkLen(idx); len(a.loaded) != want {
			a.corrupt("chunk", fmt.Sprintf("chunk %d of %d bytes, want %d", idx, len(a.loaded), want))
			return 0, nil
		}
		a.fill(a.loaded)
		a.nextChunk++
		if a.nextChunk == len(a.chunkIDs) && !a.checkDigest() {
			return 0, nil
		}
	}
}

// WriteData accepts up to one chunk of p and returns how much it took.
// A full chunk is flushed to storage when more bytes arrive. After a
// failed flush, bytes are accepted and dropped.
func (a *Accessor) WriteData(l Listener, p []byte) (int, error) {
	if !a.access.creates() {
		return 0, ErrInvalidAccess
	}
	if err := a.ObtainMetaInfo(l); err != nil {
		return 0, err
	}
	if a.new == nil || a.hasError || a.finalized || len(p) == 0 {
		return len(p), nil
	}
	if a.buf == nil {
		a.buf = a.cache.buffers.Get()
		a.ensureHasher()
	}

	if a.buf.Full() {
		err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
			return a.writeChunk(ctx)
		})
		if errors.Is(err, ErrWouldBlock) {
			return 0, err
		}
		if err != nil {
			a.writeFailed(err)
			return len(p), nil
		}
		a.buf.Reset()
		a.flushed = true
	}

	n := a.buf.Append(p)
	_, _ = a.hasher.Write(p[:n])
	a.written += int64(n)
	return n, nil
}

func (a *Accessor) writeChunk(ctx context.Context) error {
	id, err := a.cache.storage.WriteNextChunk(ctx, a.new.Coords(), a.buf.Bytes())
	if err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	a.new.update(func(info *blobcache.BlobInfo) {
		info.ChunkIDs = append(info.ChunkIDs, id)
	})
	return nil
}

// Finalize flushes the last chunk and offers the new version to the
// manager. Afterwards Info reflects this accessor's version if it won,
// otherwise the version that beat it.
func (a *Accessor) Finalize(l Listener) error {
	if !a.access.creates() {
		return ErrInvalidAccess
	}
	if err := a.ObtainMetaInfo(l); err != nil {
		return err
	}
	if a.finalized || a.new == nil {
		return nil
	}
	if a.hasError {
		a.finalized = true
		return nil
	}

	err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
		switch {
		case a.written == 0:
		case !a.flushed:
			if err := a.cache.storage.WriteSingleChunk(ctx, a.new.Coords(), a.buf.Bytes()); err != nil {
				return fmt.Errorf("writing inline payload: %w", err)
			}
		default:
			if err := a.writeChunk(ctx); err != nil {
				return err
			}
		}

		digest := a.digest()
		a.new.update(func(info *blobcache.BlobInfo) {
			info.Size = a.written
			info.DiskSize = a.written
			info.Digest = digest
		})
		became, err := a.mgr.FinalizeWriting(ctx, a.new)
		a.became = became
		return err
	})
	if errors.Is(err, ErrWouldBlock) {
		return err
	}
	a.finalized = true
	if err != nil {
		a.writeFailed(err)
		return nil
	}

	a.setVisible()
	return nil
}

// ReplaceBlobInfo overwrites the provenance of the version being written
// with candidate's if candidate is newer than the visible version.
func (a *Accessor) ReplaceBlobInfo(candidate *blobcache.BlobInfo) bool {
	if candidate == nil || a.new == nil || a.finalized {
		return false
	}
	if !blobcache.Newer(candidate, a.info) {
		return false
	}
	a.new.update(func(info *blobcache.BlobInfo) {
		info.CopyProvenance(candidate)
	})
	if o, ok := a.cache.clock.(Observer); ok {
		o.Observe(candidate.CreateTime)
	}
	return true
}

// DeleteBlob deletes the key by finalizing an empty version that is dead
// one tick after it expires. Nothing is written when the key has no
// current version.
func (a *Accessor) DeleteBlob(l Listener) error {
	if a.access != AccessGCDelete {
		return ErrInvalidAccess
	}
	if err := a.ObtainMetaInfo(l); err != nil {
		return err
	}
	if a.finalized || a.hasError {
		return nil
	}
	if a.cur == nil {
		a.finalized = true
		return nil
	}

	err := a.call.do(a.cache.io, l, func(ctx context.Context) error {
		v, err := a.mgr.allocate(ctx, 0, 0)
		if err != nil {
			return err
		}
		v.update(func(info *blobcache.BlobInfo) {
			info.Expire = info.CreateTime
			info.DeadTime = info.Expire.Next()
			info.Digest = blobcache.HashBytes(nil)
		})
		a.new = v
		became, err := a.mgr.FinalizeWriting(ctx, v)
		a.became = became
		return err
	})
	if errors.Is(err, ErrWouldBlock) {
		return err
	}
	a.finalized = true
	if err != nil {
		a.hasError = true
		a.cache.logger.Error("deleting blob failed", "key", a.key, "error", err)
		return nil
	}
	a.setVisible()
	return nil
}

// Touch extends the visible current version to now+ttl.
func (a *Accessor) Touch(ttl uint32) bool {
	if a.mgr == nil || a.cur == nil {
		return false
	}
	return a.mgr.Prolong(a.cur, ttl)
}

// Deinitialize reports usage and drops every reference the accessor holds.
// If a storage call is in flight this happens when it lands.
func (a *Accessor) Deinitialize() {
	if a.call.deferUntilDone(a.deinitialize) {
		return
	}
	a.deinitialize()
}

// Release deinitializes the accessor and returns it to the pool. The caller
// must not use it afterwards.
func (a *Accessor) Release() {
	c := a.cache
	put := func() {
		a.deinitialize()
		c.accessors.Put(a)
	}
	if a.call.deferUntilDone(put) {
		return
	}
	put()
}

func (a *Accessor) deinitialize() {
	c := a.cache
	if c == nil {
		return
	}

	if a.access == AccessRead && a.info != nil {
		c.stats.AddBlobRead(a.streamed, a.info.Size)
	}
	if a.new != nil {
		if a.finalized && !a.hasError {
			if a.access.creates() {
				c.stats.AddBlobWritten(a.written, a.became)
			}
			a.new.release()
		} else {
			a.mgr.discard(a.new)
		}
	}
	a.cur.release()
	if a.buf != nil {
		c.buffers.Put(a.buf)
	}
	if a.mgr != nil {
		a.mgr.Release()
	}

	h := a.hasher
	if h != nil {
		h.Reset()
	}
	*a = Accessor{cache: c, hasher: h}
}

// setVisible points the accessor at its own version if it won, otherwise at
// whatever is current now.
func (a *Accessor) setVisible() {
	var next *VersionData
	if a.became {
		next = a.new.ref()
	} else {
		next = a.mgr.Current()
	}
	a.cur.release()
	a.cur = next
	a.info = nil
	if next != nil {
		a.info = next.Info()
	}
}

func (a *Accessor) ensureHasher() {
	if a.hasher == nil {
		a.hasher = blobcache.NewHasher()
	}
}

func (a *Accessor) digest() blobcache.Hash {
	if a.hasher == nil {
		return blobcache.HashBytes(nil)
	}
	return a.hasher.Sum()
}

func (a *Accessor) ensureReadBuffer(capacity int) {
	if a.buf != nil && a.buf.Cap() >= capacity {
		return
	}
	if a.buf != nil {
		a.cache.buffers.Put(a.buf)
	}
	if capacity <= a.cache.buffers.Capacity() {
		a.buf = a.cache.buffers.Get()
	} else {
		a.buf = buffer.New(capacity)
	}
}

// fill replaces the buffer contents with data, which may alias it.
func (a *Accessor) fill(data []byte) {
	a.buf.Reset()
	a.buf.Append(data)
	a.off = 0
	a.ensureHasher()
	_, _ = a.hasher.Write(a.buf.Bytes())
	a.loaded = nil
}

// checkDigest verifies the whole payload once it has been hashed.
func (a *Accessor) checkDigest() bool {
	if a.info.Digest.IsZero() || a.digest() == a.info.Digest {
		return true
	}
	a.corrupt("digest", "payload digest mismatch")
	return false
}

func (a *Accessor) readFailed(kind string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.hasError = true
		return
	}
	a.corrupt(kind, err.Error())
}

// corrupt flags the current version and deletes it so it is never served
// again.
func (a *Accessor) corrupt(kind, detail string) {
	a.hasError = true
	if a.buf != nil {
		a.buf.Reset()
	}
	a.off = 0
	if a.cur == nil {
		return
	}
	a.cur.setError()
	telemetry.RecordCorruption(a.cache.ctx, kind)
	a.cache.logger.Error("blob failed verification",
		"key", a.key, "coords", a.info.Coords, "kind", kind, "detail", detail)
	a.mgr.DeleteVersion(a.cur)
}

func (a *Accessor) writeFailed(err error) {
	a.hasError = true
	a.new.setError()
	a.cache.logger.Error("writing blob failed",
		"key", a.key, "coords", a.new.Coords(), "written", a.written, "error", err)
}
