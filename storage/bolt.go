package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
)

// Bolt implements Storage with version metadata in bbolt and chunk
// payloads in a backend.Backend. Inline payloads live in bbolt next to
// their version.
type Bolt struct {
	db       *bbolt.DB
	chunks   backend.Backend
	codec    *backend.FrameCodec
	logger   *slog.Logger
	noSync   bool
	encoding backend.Encoding

	nodeID uuid.UUID
	epoch  uint32
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// WithCompression sets the encoding applied to chunk frames that compress.
func WithCompression(enc backend.Encoding) BoltOption {
	return func(b *Bolt) {
		b.encoding = enc
	}
}

// NewBolt creates a store that keeps chunk payloads in chunks.
func NewBolt(chunks backend.Backend, opts ...BoltOption) *Bolt {
	b := &Bolt{
		chunks:   chunks,
		logger:   slog.Default(),
		encoding: backend.EncodingZstd,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at path. Every Open starts a new coordinate epoch.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.init(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := backend.NewFrameCodec(b.encoding)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating frame codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened storage", "path", path, "node_id", b.nodeID, "epoch", b.epoch, "noSync", b.noSync)
	return nil
}

func (b *Bolt) init() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketKeys, bucketInfos, bucketChunkIDs, bucketInline, bucketDeadIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(metaNodeID); raw != nil {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: node id: %v", ErrCorrupted, err) //nolint:errorlint // corruption is the sentinel
			}
			b.nodeID = id
		} else {
			b.nodeID = uuid.New()
			if err := meta.Put(metaNodeID, b.nodeID[:]); err != nil {
				return fmt.Errorf("putting node id: %w", err)
			}
		}

		b.epoch = decodeUint32(meta.Get(metaEpoch)) + 1
		if err := meta.Put(metaEpoch, encodeUint32(b.epoch)); err != nil {
			return fmt.Errorf("putting epoch: %w", err)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing storage")
	return b.db.Close()
}

// NodeID returns the persistent identity of this store.
func (b *Bolt) NodeID() uuid.UUID {
	return b.nodeID
}

// Epoch returns the coordinate epoch of this Open.
func (b *Bolt) Epoch() uint32 {
	return b.epoch
}

// ReadBlobInfo returns the key row with its versions.
func (b *Bolt) ReadBlobInfo(_ context.Context, slot uint32, key string) (*KeyRow, error) {
	prefix := makeRowPrefix(slot, key)
	row := &KeyRow{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		flags := tx.Bucket(bucketKeys).Get(prefix)
		if flags == nil {
			return nil
		}
		row.Exists = true
		if len(flags) > 0 && flags[0]&rowFlagDeleted != 0 {
			row.Deleted = true
			return nil
		}

		c := tx.Bucket(bucketInfos).Cursor()
		// The key length is part of the prefix, so only this key's versions match.
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			info, err := UnmarshalBlobInfo(v)
			if err != nil {
				return err
			}
			row.Infos = append(row.Infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading key row: %w", err)
	}
	return row, nil
}

// WriteBlobInfo adds a version to its key row.
func (b *Bolt) WriteBlobInfo(_ context.Context, info *blobcache.BlobInfo) error {
	prefix := makeRowPrefix(info.Coords.Slot, info.Key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		if keys.Get(prefix) == nil {
			if err := keys.Put(prefix, []byte{0}); err != nil {
				return fmt.Errorf("putting key row: %w", err)
			}
		}
		if err := tx.Bucket(bucketInfos).Put(makeInfoKey(prefix, info.Coords), MarshalBlobInfo(info)); err != nil {
			return fmt.Errorf("putting blob info: %w", err)
		}
		if len(info.ChunkIDs) > 0 {
			if err := tx.Bucket(bucketChunkIDs).Put(makeCoordsKey(info.Coords), MarshalChunkIDs(info.ChunkIDs)); err != nil {
				return fmt.Errorf("putting chunk ids: %w", err)
			}
		}
		return putDeadIndex(tx, prefix, info)
	})
}

// UpdateBlobInfo rewrites the metadata of an existing version.
func (b *Bolt) UpdateBlobInfo(_ context.Context, info *blobcache.BlobInfo) error {
	prefix := makeRowPrefix(info.Coords.Slot, info.Key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		infos := tx.Bucket(bucketInfos)
		infoKey := makeInfoKey(prefix, info.Coords)
		raw := infos.Get(infoKey)
		if raw == nil {
			return ErrNotFound
		}
		old, err := UnmarshalBlobInfo(raw)
		if err != nil {
			return err
		}
		if err := deleteDeadIndex(tx, old); err != nil {
			return err
		}
		if err := infos.Put(infoKey, MarshalBlobInfo(info)); err != nil {
			return fmt.Errorf("putting blob info: %w", err)
		}
		return putDeadIndex(tx, prefix, info)
	})
}

// DeleteBlobInfo removes a version, its chunk list, and its payload.
func (b *Bolt) DeleteBlobInfo(ctx context.Context, info *blobcache.BlobInfo) error {
	prefix := makeRowPrefix(info.Coords.Slot, info.Key)
	coordsKey := makeCoordsKey(info.Coords)

	var chunkIDs []uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		infos := tx.Bucket(bucketInfos)
		infoKey := makeInfoKey(prefix, info.Coords)
		if raw := infos.Get(infoKey); raw != nil {
			old, err := UnmarshalBlobInfo(raw)
			if err != nil {
				return err
			}
			if err := deleteDeadIndex(tx, old); err != nil {
				return err
			}
			if err := infos.Delete(infoKey); err != nil {
				return fmt.Errorf("deleting blob info: %w", err)
			}
		}

		ids := tx.Bucket(bucketChunkIDs)
		if raw := ids.Get(coordsKey); raw != nil {
			stored, err := UnmarshalChunkIDs(raw)
			if err != nil {
				return err
			}
			chunkIDs = stored
			if err := ids.Delete(coordsKey); err != nil {
				return fmt.Errorf("deleting chunk ids: %w", err)
			}
		}
		if err := tx.Bucket(bucketInline).Delete(coordsKey); err != nil {
			return fmt.Errorf("deleting inline payload: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// A version that never finalized only knows its chunks in memory.
	chunkIDs = append(chunkIDs, info.ChunkIDs...)
	var errs []error
	seen := make(map[uint64]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := b.chunks.Delete(ctx, blobcache.ChunkStorageKey(id)); err != nil {
			errs = append(errs, fmt.Errorf("deleting chunk %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// DeleteBlobKey tombstones the key row, or drops it when it holds no versions.
func (b *Bolt) DeleteBlobKey(_ context.Context, slot uint32, key string) error {
	prefix := makeRowPrefix(slot, key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		if keys.Get(prefix) == nil {
			return nil
		}
		if !hasVersions(tx, prefix) {
			return keys.Delete(prefix)
		}
		return keys.Put(prefix, []byte{rowFlagDeleted})
	})
}

// RestoreBlobKey clears the tombstone.
func (b *Bolt) RestoreBlobKey(_ context.Context, slot uint32, key string) error {
	prefix := makeRowPrefix(slot, key)
	return b.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		if keys.Get(prefix) == nil {
			return nil
		}
		return keys.Put(prefix, []byte{0})
	})
}

// GetNewBlobCoords allocates coordinates from the store-wide sequence.
func (b *Bolt) GetNewBlobCoords(_ context.Context, slot uint32) (blobcache.Coords, error) {
	var seq uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		seq, err = tx.Bucket(bucketInfos).NextSequence()
		return err
	})
	if err != nil {
		return blobcache.Coords{}, fmt.Errorf("allocating coords: %w", err)
	}
	return blobcache.Coords{Slot: slot, Epoch: b.epoch, Seq: seq}, nil
}

// WriteNextChunk frames data, stores it in the chunk backend and returns its id.
func (b *Bolt) WriteNextChunk(ctx context.Context, _ blobcache.Coords, data []byte) (uint64, error) {
	var id uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketChunkIDs).NextSequence()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("allocating chunk id: %w", err)
	}

	frame, err := b.codec.Encode(data)
	if err != nil {
		return 0, err
	}
	if err := b.chunks.Write(ctx, blobcache.ChunkStorageKey(id), bytes.NewReader(frame)); err != nil {
		return 0, fmt.Errorf("writing chunk %d: %w", id, err)
	}
	return id, nil
}

// WriteSingleChunk stores an inline payload next to its version.
func (b *Bolt) WriteSingleChunk(_ context.Context, coords blobcache.Coords, data []byte) error {
	frame, err := b.codec.Encode(data)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInline).Put(makeCoordsKey(coords), frame)
	})
}

// ReadChunkData reads and verifies a chunk or inline payload.
func (b *Bolt) ReadChunkData(ctx context.Context, coords blobcache.Coords, chunkID uint64, dst []byte) ([]byte, error) {
	if chunkID == blobcache.InlineChunkID {
		var frame []byte
		err := b.db.View(func(tx *bbolt.Tx) error {
			raw := tx.Bucket(bucketInline).Get(makeCoordsKey(coords))
			if raw == nil {
				return ErrNotFound
			}
			frame = bytes.Clone(raw)
			return nil
		})
		if err != nil {
			return nil, err
		}
		_, out, err := b.codec.Decode(frame, dst)
		return out, mapBackendErr(err)
	}

	rc, err := b.chunks.Read(ctx, blobcache.ChunkStorageKey(chunkID))
	if err != nil {
		return nil, mapBackendErr(err)
	}
	defer func() { _ = rc.Close() }()

	_, out, err := b.codec.ReadChunkFrame(rc, dst)
	return out, mapBackendErr(err)
}

// ReadChunkIds returns the chunk id list of a multi-chunk version.
func (b *Bolt) ReadChunkIds(_ context.Context, coords blobcache.Coords) ([]uint64, error) {
	var ids []uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChunkIDs).Get(makeCoordsKey(coords))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		ids, err = UnmarshalChunkIDs(raw)
		return err
	})
	return ids, err
}

// DeadBefore lists keys holding a version whose dead time is reached,
// oldest first. Tombstoned rows are skipped.
func (b *Bolt) DeadBefore(ctx context.Context, now blobcache.Timestamp, limit int) ([]DeadKey, error) {
	var dead []DeadKey
	err := b.db.View(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		c := tx.Bucket(bucketDeadIndex).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			deadTime, ok := parseDeadKey(k)
			if !ok {
				b.logger.Warn("skipping malformed dead index key", "key", fmt.Sprintf("%x", k))
				continue
			}
			if deadTime > now {
				break
			}
			if flags := keys.Get(v); len(flags) > 0 && flags[0]&rowFlagDeleted != 0 {
				continue
			}
			slot, key, _, err := parseRowPrefix(v)
			if err != nil {
				return err
			}
			dead = append(dead, DeadKey{Slot: slot, Key: key, DeadTime: deadTime})
			if limit > 0 && len(dead) >= limit {
				break
			}
		}
		return nil
	})
	return dead, err
}

// ReferencedChunks returns every chunk id named by a persisted version.
func (b *Bolt) ReferencedChunks(ctx context.Context) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChunkIDs).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids, err := UnmarshalChunkIDs(v)
			if err != nil {
				return err
			}
			bm.AddMany(ids)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("collecting referenced chunks: %w", err)
	}
	return bm, nil
}

// Chunks returns the backend chunk payloads are stored in.
func (b *Bolt) Chunks() backend.Backend {
	return b.chunks
}

func hasVersions(tx *bbolt.Tx, prefix []byte) bool {
	k, _ := tx.Bucket(bucketInfos).Cursor().Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

func putDeadIndex(tx *bbolt.Tx, prefix []byte, info *blobcache.BlobInfo) error {
	if info.DeadTime.IsZero() {
		return nil
	}
	if err := tx.Bucket(bucketDeadIndex).Put(makeDeadKey(info.DeadTime, info.Coords), prefix); err != nil {
		return fmt.Errorf("putting dead index: %w", err)
	}
	return nil
}

func deleteDeadIndex(tx *bbolt.Tx, info *blobcache.BlobInfo) error {
	if info.DeadTime.IsZero() {
		return nil
	}
	if err := tx.Bucket(bucketDeadIndex).Delete(makeDeadKey(info.DeadTime, info.Coords)); err != nil {
		return fmt.Errorf("deleting dead index: %w", err)
	}
	return nil
}

func mapBackendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err) //nolint:errorlint // mapped onto storage sentinel
	case errors.Is(err, backend.ErrCorrupted), errors.Is(err, backend.ErrInvalidMagic), errors.Is(err, backend.ErrHeaderTooLarge):
		return fmt.Errorf("%w: %v", ErrCorrupted, err) //nolint:errorlint // mapped onto storage sentinel
	default:
		return err
	}
}

// Compile-time interface checks
var (
	_ Storage   = (*Bolt)(nil)
	_ DeadIndex = (*Bolt)(nil)
)
