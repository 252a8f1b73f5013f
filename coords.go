package blobcache

import (
	"fmt"
	"strconv"
	"strings"
)

// InlineChunkID names the inline payload of a single-chunk blob.
// Chunk ids handed out for multi-chunk blobs are always greater than zero.
const InlineChunkID uint64 = 0

// Coords is the storage location triple of one blob version.
// Coordinates are assigned by the storage backend and never reused.
type Coords struct {
	Slot  uint32
	Epoch uint32
	Seq   uint64
}

// IsZero reports whether c was never assigned.
func (c Coords) IsZero() bool {
	return c == Coords{}
}

// String returns the canonical "slot/epoch/seq" form.
func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Slot, c.Epoch, c.Seq)
}

// ParseCoords parses the form produced by Coords.String.
func ParseCoords(s string) (Coords, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Coords{}, fmt.Errorf("invalid coords %q", s)
	}
	slot, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Coords{}, fmt.Errorf("invalid slot in coords %q: %w", s, err)
	}
	epoch, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Coords{}, fmt.Errorf("invalid epoch in coords %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Coords{}, fmt.Errorf("invalid seq in coords %q: %w", s, err)
	}
	return Coords{Slot: uint32(slot), Epoch: uint32(epoch), Seq: seq}, nil
}

// Chunk storage key layout.

const chunkKeyPrefix = "chunks"

// ChunkStorageKey returns the backend storage key for a chunk id.
// Format: chunks/{hex(id)[-2:]}/{hex(id)}
func ChunkStorageKey(id uint64) string {
	hex := fmt.Sprintf("%016x", id)
	return chunkKeyPrefix + "/" + hex[14:] + "/" + hex
}

// ChunkStoragePrefix is the listing prefix for all chunk objects.
func ChunkStoragePrefix() string {
	return chunkKeyPrefix + "/"
}

// ParseChunkStorageKey extracts the chunk id from a backend storage key.
func ParseChunkStorageKey(key string) (uint64, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != chunkKeyPrefix {
		return 0, fmt.Errorf("invalid chunk key format: %s", key)
	}
	id, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk id in key %s: %w", key, err)
	}
	return id, nil
}
