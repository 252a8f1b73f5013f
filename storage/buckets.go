package storage

import (
	"encoding/binary"
	"fmt"

	blobcache "github.com/wolfeidau/blob-cache"
)

// Bucket names for bbolt storage.
var (
	bucketKeys      = []byte("keys")       // row prefix -> row flags
	bucketInfos     = []byte("infos")      // row prefix|epoch|seq -> protowire BlobInfo
	bucketChunkIDs  = []byte("chunk_ids")  // coords -> packed chunk ids
	bucketInline    = []byte("inline")     // coords -> chunk frame
	bucketDeadIndex = []byte("dead_index") // dead time|coords -> row prefix
	bucketMeta      = []byte("meta")       // store identity and counters
)

// Keys of the meta bucket.
var (
	metaNodeID = []byte("node_id")
	metaEpoch  = []byte("epoch")
)

const (
	rowFlagDeleted byte = 1 << 0

	coordsKeyLen = 16
)

// makeRowPrefix builds the key of a row in the keys bucket, which is also
// the prefix of its versions in the infos bucket.
// Format: [4-byte slot][4-byte key length][key]
func makeRowPrefix(slot uint32, key string) []byte {
	b := make([]byte, 8+len(key), 8+len(key)+12)
	binary.BigEndian.PutUint32(b[0:4], slot)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(key))) //nolint:gosec // keys are far below 4 GiB
	copy(b[8:], key)
	return b
}

// parseRowPrefix reverses makeRowPrefix and returns the rest of the input.
func parseRowPrefix(b []byte) (slot uint32, key string, rest []byte, err error) {
	if len(b) < 8 {
		return 0, "", nil, fmt.Errorf("%w: row key of %d bytes", ErrCorrupted, len(b))
	}
	slot = binary.BigEndian.Uint32(b[0:4])
	n := binary.BigEndian.Uint32(b[4:8])
	if uint64(len(b)-8) < uint64(n) {
		return 0, "", nil, fmt.Errorf("%w: row key truncated", ErrCorrupted)
	}
	return slot, string(b[8 : 8+n]), b[8+n:], nil
}

// makeInfoKey appends the version part of coords to a row prefix.
// Format: [row prefix][4-byte epoch][8-byte seq]
func makeInfoKey(prefix []byte, c blobcache.Coords) []byte {
	b := append(prefix[:len(prefix):len(prefix)], make([]byte, 12)...)
	binary.BigEndian.PutUint32(b[len(prefix):], c.Epoch)
	binary.BigEndian.PutUint64(b[len(prefix)+4:], c.Seq)
	return b
}

// makeCoordsKey encodes coords as a fixed-width key.
// Format: [4-byte slot][4-byte epoch][8-byte seq]
func makeCoordsKey(c blobcache.Coords) []byte {
	b := make([]byte, coordsKeyLen)
	binary.BigEndian.PutUint32(b[0:4], c.Slot)
	binary.BigEndian.PutUint32(b[4:8], c.Epoch)
	binary.BigEndian.PutUint64(b[8:16], c.Seq)
	return b
}

// makeDeadKey creates a key for the dead_index bucket. Big-endian dead
// times sort the index oldest first.
// Format: [8-byte dead time][coords key]
func makeDeadKey(dead blobcache.Timestamp, c blobcache.Coords) []byte {
	b := make([]byte, 8, 8+coordsKeyLen)
	binary.BigEndian.PutUint64(b, uint64(dead))
	return append(b, makeCoordsKey(c)...)
}

func parseDeadKey(b []byte) (blobcache.Timestamp, bool) {
	if len(b) != 8+coordsKeyLen {
		return 0, false
	}
	return blobcache.Timestamp(binary.BigEndian.Uint64(b[:8])), true
}

func encodeUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func decodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
