package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	blobcache "github.com/wolfeidau/blob-cache"
	"github.com/wolfeidau/blob-cache/backend"
)

type orphan struct {
	key string
	id  uint64
}

// sweepOrphans deletes chunk objects that no version references.
// The backend is listed before the index is read, so a chunk whose version
// lands between the two steps is seen as referenced. Chunks of versions
// still being written are protected by the grace period.
func (m *Manager) sweepOrphans(ctx context.Context, result *Result) {
	keys, err := m.backend.List(ctx, blobcache.ChunkStoragePrefix())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list chunks: %v", err))
		m.logger.Error("failed to list chunk objects", "error", err)
		return
	}

	referenced, err := m.index.ReferencedChunks(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("referenced chunks: %v", err))
		m.logger.Error("failed to collect referenced chunks", "error", err)
		return
	}

	var orphans []orphan
	for _, key := range keys {
		id, err := blobcache.ParseChunkStorageKey(key)
		if err != nil {
			m.logger.Debug("skipping foreign object", "key", key)
			continue
		}
		result.ChunksScanned++
		if referenced.Contains(id) {
			result.ChunksReferenced++
			continue
		}
		orphans = append(orphans, orphan{key: key, id: id})
	}
	if len(orphans) == 0 {
		return
	}

	cutoff := m.now().Add(-m.config.Grace)

	var mu sync.Mutex
	deleted := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)

	for _, o := range orphans {
		mu.Lock()
		full := deleted >= m.config.BatchSize
		mu.Unlock()
		if full {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			young, err := m.writtenAfter(gctx, o.key, cutoff)
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Sprintf("inspect chunk %s: %v", o.key, err))
				mu.Unlock()
				return nil
			}
			if young {
				mu.Lock()
				result.OrphansTooYoung++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			if deleted >= m.config.BatchSize {
				mu.Unlock()
				return nil
			}
			deleted++
			mu.Unlock()

			size := m.size(gctx, o.key)
			if err := m.backend.Delete(gctx, o.key); err != nil {
				mu.Lock()
				deleted--
				result.Errors = append(result.Errors, fmt.Sprintf("delete chunk %s: %v", o.key, err))
				mu.Unlock()
				m.logger.Error("failed to delete orphan chunk", "key", o.key, "error", err)
				return nil
			}

			mu.Lock()
			result.OrphansDeleted++
			result.BytesReclaimed += size
			mu.Unlock()

			m.logger.Debug("deleted orphan chunk", "chunk_id", o.id, "size", size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep interrupted: %v", err))
	}
}

// writtenAfter reports whether the chunk frame at key was written after
// cutoff. Objects that are not valid frames are never young: writes are
// atomic, so a bad frame is not an upload in progress.
func (m *Manager) writtenAfter(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	rc, err := m.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer func() { _ = rc.Close() }()

	hdr, err := backend.ReadFrameHeader(rc)
	if err != nil {
		m.logger.Warn("unreferenced chunk is not a valid frame", "key", key, "error", err)
		return false, nil
	}
	return hdr.WrittenAt.After(cutoff), nil
}

func (m *Manager) size(ctx context.Context, key string) int64 {
	sb, ok := m.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0
	}
	size, err := sb.Size(ctx, key)
	if err != nil {
		return 0
	}
	return size
}
