package storage

import (
	"context"
	"errors"
	"time"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/telemetry"
)

// Instrumented wraps a Storage with metrics recording.
type Instrumented struct {
	store Storage
	name  string
}

// NewInstrumented creates a new instrumented storage wrapper.
func NewInstrumented(s Storage, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) record(ctx context.Context, op string, start time.Time, err error, bytes int64) {
	telemetry.RecordStorageOp(ctx, is.name, op, outcomeFromError(err), time.Since(start), bytes)
}

func (is *Instrumented) ReadBlobInfo(ctx context.Context, slot uint32, key string) (*KeyRow, error) {
	start := time.Now()
	row, err := is.store.ReadBlobInfo(ctx, slot, key)
	is.record(ctx, "read_blob_info", start, err, 0)
	return row, err
}

func (is *Instrumented) WriteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	start := time.Now()
	err := is.store.WriteBlobInfo(ctx, info)
	is.record(ctx, "write_blob_info", start, err, 0)
	return err
}

func (is *Instrumented) UpdateBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	start := time.Now()
	err := is.store.UpdateBlobInfo(ctx, info)
	is.record(ctx, "update_blob_info", start, err, 0)
	return err
}

func (is *Instrumented) DeleteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	start := time.Now()
	err := is.store.DeleteBlobInfo(ctx, info)
	is.record(ctx, "delete_blob_info", start, err, 0)
	return err
}

func (is *Instrumented) DeleteBlobKey(ctx context.Context, slot uint32, key string) error {
	start := time.Now()
	err := is.store.DeleteBlobKey(ctx, slot, key)
	is.record(ctx, "delete_blob_key", start, err, 0)
	return err
}

func (is *Instrumented) RestoreBlobKey(ctx context.Context, slot uint32, key string) error {
	start := time.Now()
	err := is.store.RestoreBlobKey(ctx, slot, key)
	is.record(ctx, "restore_blob_key", start, err, 0)
	return err
}

func (is *Instrumented) GetNewBlobCoords(ctx context.Context, slot uint32) (blobcache.Coords, error) {
	start := time.Now()
	coords, err := is.store.GetNewBlobCoords(ctx, slot)
	is.record(ctx, "get_new_blob_coords", start, err, 0)
	return coords, err
}

func (is *Instrumented) WriteNextChunk(ctx context.Context, coords blobcache.Coords, data []byte) (uint64, error) {
	start := time.Now()
	id, err := is.store.WriteNextChunk(ctx, coords, data)
	is.record(ctx, "write_next_chunk", start, err, int64(len(data)))
	return id, err
}

func (is *Instrumented) WriteSingleChunk(ctx context.Context, coords blobcache.Coords, data []byte) error {
	start := time.Now()
	err := is.store.WriteSingleChunk(ctx, coords, data)
	is.record(ctx, "write_single_chunk", start, err, int64(len(data)))
	return err
}

func (is *Instrumented) ReadChunkData(ctx context.Context, coords blobcache.Coords, chunkID uint64, dst []byte) ([]byte, error) {
	start := time.Now()
	out, err := is.store.ReadChunkData(ctx, coords, chunkID, dst)
	is.record(ctx, "read_chunk_data", start, err, int64(len(out)))
	return out, err
}

func (is *Instrumented) ReadChunkIds(ctx context.Context, coords blobcache.Coords) ([]uint64, error) {
	start := time.Now()
	ids, err := is.store.ReadChunkIds(ctx, coords)
	is.record(ctx, "read_chunk_ids", start, err, 0)
	return ids, err
}

// DeadBefore delegates to the wrapped store if it implements DeadIndex.
func (is *Instrumented) DeadBefore(ctx context.Context, now blobcache.Timestamp, limit int) ([]DeadKey, error) {
	di, ok := is.store.(DeadIndex)
	if !ok {
		return nil, ErrUnsupported
	}
	start := time.Now()
	dead, err := di.DeadBefore(ctx, now, limit)
	is.record(ctx, "dead_before", start, err, 0)
	return dead, err
}

// Unwrap returns the underlying storage.
func (is *Instrumented) Unwrap() Storage {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorrupted):
		return "corrupted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Storage   = (*Instrumented)(nil)
	_ DeadIndex = (*Instrumented)(nil)
)
