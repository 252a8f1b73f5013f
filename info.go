// Package blobcache holds the value types shared by the blob version manager,
// its storage collaborators and the surrounding server.
package blobcache

import "slices"

// BlobInfo is the self-describing metadata of one blob version.
type BlobInfo struct {
	Key    string
	Coords Coords

	// Provenance and expiry. Together these form the version-ordering tuple.
	CreateTime   Timestamp
	CreateServer uint32
	CreateID     uint64
	DeadTime     Timestamp
	Expire       Timestamp
	VerExpire    Timestamp

	// TTL and VerTTL are the relative lifetimes (seconds) the expiry
	// fields were derived from.
	TTL    uint32
	VerTTL uint32

	Size      int64
	DiskSize  int64
	BlobVer   uint64
	ChunkSize int32

	// ChunkIDs is only populated for multi-chunk versions and is persisted
	// apart from the rest of the record.
	ChunkIDs []uint64

	Password string
	Digest   Hash
}

// Compare orders two versions by create_time, create_server, create_id,
// dead_time, expire and ver_expire, stopping at the first difference.
// A nil version sorts before any non-nil version.
// The result is -1, 0 or +1.
func Compare(a, b *BlobInfo) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c := cmpUint(uint64(a.CreateTime), uint64(b.CreateTime)); c != 0 {
		return c
	}
	if c := cmpUint(uint64(a.CreateServer), uint64(b.CreateServer)); c != 0 {
		return c
	}
	if c := cmpUint(a.CreateID, b.CreateID); c != 0 {
		return c
	}
	if c := cmpUint(uint64(a.DeadTime), uint64(b.DeadTime)); c != 0 {
		return c
	}
	if c := cmpUint(uint64(a.Expire), uint64(b.Expire)); c != 0 {
		return c
	}
	return cmpUint(uint64(a.VerExpire), uint64(b.VerExpire))
}

// Newer reports whether candidate strictly wins over current.
func Newer(candidate, current *BlobInfo) bool {
	return Compare(candidate, current) > 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsDead reports whether the version must no longer be served at now.
func (i *BlobInfo) IsDead(now Timestamp) bool {
	return i.DeadTime.Reached(now)
}

// IsExpired reports whether the client-visible expiry has passed.
// An expired version may still be served until it is dead.
func (i *BlobInfo) IsExpired(now Timestamp) bool {
	return i.Expire.Reached(now)
}

// Inline reports whether the payload is stored as a single inline chunk.
func (i *BlobInfo) Inline() bool {
	return i.Size <= int64(i.ChunkSize)
}

// ChunkCount returns the number of chunks the declared size requires.
func (i *BlobInfo) ChunkCount() int {
	if i.Size == 0 || i.ChunkSize <= 0 {
		return 0
	}
	cs := int64(i.ChunkSize)
	return int((i.Size + cs - 1) / cs)
}

// ChunkLen returns the expected length of chunk index idx.
func (i *BlobInfo) ChunkLen(idx int) int {
	n := i.ChunkCount()
	if idx < 0 || idx >= n {
		return 0
	}
	if idx < n-1 {
		return int(i.ChunkSize)
	}
	return int(i.Size - int64(n-1)*int64(i.ChunkSize))
}

// Clone returns a deep copy of the info.
func (i *BlobInfo) Clone() *BlobInfo {
	if i == nil {
		return nil
	}
	c := *i
	c.ChunkIDs = slices.Clone(i.ChunkIDs)
	return &c
}

// CopyProvenance overwrites the ordering tuple and the fields that travel
// with it from src, leaving location and payload accounting untouched.
func (i *BlobInfo) CopyProvenance(src *BlobInfo) {
	i.CreateTime = src.CreateTime
	i.CreateServer = src.CreateServer
	i.CreateID = src.CreateID
	i.DeadTime = src.DeadTime
	i.Expire = src.Expire
	i.VerExpire = src.VerExpire
	i.TTL = src.TTL
	i.VerTTL = src.VerTTL
	i.BlobVer = src.BlobVer
	i.Password = src.Password
}
