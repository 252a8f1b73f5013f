// Package storage provides the backing stores blob versions are persisted to.
package storage

import (
	"context"
	"errors"

	blobcache "github.com/wolfeidau/blob-cache"
)

var (
	// ErrNotFound is returned when a version, chunk or key row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrCorrupted is returned when stored bytes fail verification.
	ErrCorrupted = errors.New("storage: corrupted data")

	// ErrUnsupported is returned by wrappers when the wrapped store lacks
	// an optional capability.
	ErrUnsupported = errors.New("storage: not supported")
)

// KeyRow is the persisted state of one key.
type KeyRow struct {
	// Exists is false when the key has never been written.
	Exists bool
	// Deleted is true when the key is tombstoned. Tombstoned rows report no
	// infos until restored.
	Deleted bool
	// Infos holds every persisted version of the key, without ChunkIDs.
	// More than one entry means racing writers or leftovers from a crash.
	Infos []*blobcache.BlobInfo
}

// Storage is the backing store contract of the version manager.
// Every method may block on I/O. Implementations must be safe for
// concurrent use.
type Storage interface {
	// ReadBlobInfo returns the key row for key in slot.
	ReadBlobInfo(ctx context.Context, slot uint32, key string) (*KeyRow, error)

	// WriteBlobInfo adds a version to its key row, creating the row if needed.
	// The chunk id list is persisted alongside for multi-chunk versions.
	WriteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error

	// UpdateBlobInfo rewrites the metadata of an existing version.
	// Returns ErrNotFound if the version does not exist.
	UpdateBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error

	// DeleteBlobInfo removes a version with its chunk list and payload.
	// Returns nil if the version does not exist (idempotent).
	DeleteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error

	// DeleteBlobKey tombstones the key row. A row that holds no versions is
	// dropped outright and reads back as never written.
	DeleteBlobKey(ctx context.Context, slot uint32, key string) error

	// RestoreBlobKey clears the tombstone of the key row.
	RestoreBlobKey(ctx context.Context, slot uint32, key string) error

	// GetNewBlobCoords allocates fresh coordinates in slot.
	GetNewBlobCoords(ctx context.Context, slot uint32) (blobcache.Coords, error)

	// WriteNextChunk persists one chunk of a multi-chunk version and
	// returns its id.
	WriteNextChunk(ctx context.Context, coords blobcache.Coords, data []byte) (uint64, error)

	// WriteSingleChunk persists the inline payload of a single-chunk version.
	WriteSingleChunk(ctx context.Context, coords blobcache.Coords, data []byte) error

	// ReadChunkData reads a chunk, or the inline payload when chunkID is
	// blobcache.InlineChunkID, appending to dst[:0].
	ReadChunkData(ctx context.Context, coords blobcache.Coords, chunkID uint64, dst []byte) ([]byte, error)

	// ReadChunkIds returns the chunk id list of a multi-chunk version.
	ReadChunkIds(ctx context.Context, coords blobcache.Coords) ([]uint64, error)
}

// DeadKey identifies a key holding a version whose dead time has passed.
type DeadKey struct {
	Slot     uint32
	Key      string
	DeadTime blobcache.Timestamp
}

// DeadIndex is implemented by stores that index versions by dead time.
type DeadIndex interface {
	DeadBefore(ctx context.Context, now blobcache.Timestamp, limit int) ([]DeadKey, error)
}
