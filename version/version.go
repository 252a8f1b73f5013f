package version

import (
	"sync"
	"sync/atomic"

	blobcache "github.com/wolfeidau/blob-cache"
)

// VersionData is one version of a blob. It is reference counted and
// returns to the cache's pool when the last reference is released.
//
// The payload accounting (size, chunk ids, digest) is owned by the creating
// accessor until the version is finalized and is immutable afterwards.
// Expiry and flags may change at any time and are guarded by mu.
type VersionData struct {
	cache *Cache
	refs  atomic.Int32

	mu        sync.Mutex
	info      blobcache.BlobInfo
	hasError  bool
	needWrite bool
	writeGen  uint64

	// final runs with a snapshot of the metadata when the last reference
	// goes away.
	final func(info *blobcache.BlobInfo)
}

func (c *Cache) newVersion(info *blobcache.BlobInfo) *VersionData {
	v := c.versions.Get()
	v.cache = c
	v.info = *info.Clone()
	v.refs.Store(1)
	return v
}

// ref takes another reference and returns v.
func (v *VersionData) ref() *VersionData {
	v.refs.Add(1)
	return v
}

// release drops a reference. Nil is ignored. The last release runs the
// final hook, if any, before v returns to the pool.
func (v *VersionData) release() {
	if v == nil {
		return
	}
	switch n := v.refs.Add(-1); {
	case n == 0:
		v.mu.Lock()
		final := v.final
		var info *blobcache.BlobInfo
		if final != nil {
			info = v.info.Clone()
		}
		v.mu.Unlock()
		if final != nil {
			final(info)
		}
		v.cache.versions.Put(v)
	case n < 0:
		panic("version: VersionData released too many times")
	}
}

// doom arranges for fn to run once the last reference is released.
func (v *VersionData) doom(fn func(info *blobcache.BlobInfo)) {
	v.mu.Lock()
	v.final = fn
	v.mu.Unlock()
}

// Coords returns the storage location of the version.
func (v *VersionData) Coords() blobcache.Coords {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.Coords
}

// Info returns a copy of the version metadata.
func (v *VersionData) Info() *blobcache.BlobInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.Clone()
}

// Size returns the payload size in bytes.
func (v *VersionData) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.Size
}

// HasError reports whether the version failed to write or verify.
func (v *VersionData) HasError() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasError
}

func (v *VersionData) setError() {
	v.mu.Lock()
	v.hasError = true
	v.mu.Unlock()
}

func (v *VersionData) password() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.Password
}

func (v *VersionData) isDead(now blobcache.Timestamp) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.IsDead(now)
}

func (v *VersionData) needsWrite() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.needWrite
}

// writeSnapshot returns the metadata to persist and the generation it
// reflects.
func (v *VersionData) writeSnapshot() (*blobcache.BlobInfo, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info.Clone(), v.writeGen
}

// written clears needWrite unless the version changed after gen.
func (v *VersionData) written(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeGen == gen {
		v.needWrite = false
	}
}

// update mutates the metadata of a version that is not yet shared.
func (v *VersionData) update(fn func(info *blobcache.BlobInfo)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.info)
}

// prolong moves expiry out to now+ttl. It never shortens a lifetime and
// refuses dead versions.
func (v *VersionData) prolong(now blobcache.Timestamp, ttl uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.info.IsDead(now) {
		return false
	}
	expire := now.AddSeconds(ttl)
	if v.info.Expire.IsZero() || expire <= v.info.Expire {
		return true
	}
	v.info.Expire = expire
	v.info.TTL = ttl
	v.info.DeadTime = v.cache.deadTime(v.info.Expire, v.info.VerExpire)
	v.needWrite = true
	v.writeGen++
	return true
}
