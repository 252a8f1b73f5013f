package storage

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	blobcache "github.com/wolfeidau/blob-cache"
)

// BlobInfo wire field numbers. Numbers are never reused.
const (
	fieldKey          protowire.Number = 1
	fieldSlot         protowire.Number = 2
	fieldEpoch        protowire.Number = 3
	fieldSeq          protowire.Number = 4
	fieldCreateTime   protowire.Number = 5
	fieldCreateServer protowire.Number = 6
	fieldCreateID     protowire.Number = 7
	fieldDeadTime     protowire.Number = 8
	fieldExpire       protowire.Number = 9
	fieldVerExpire    protowire.Number = 10
	fieldTTL          protowire.Number = 11
	fieldVerTTL       protowire.Number = 12
	fieldSize         protowire.Number = 13
	fieldDiskSize     protowire.Number = 14
	fieldBlobVer      protowire.Number = 15
	fieldChunkSize    protowire.Number = 16
	fieldPassword     protowire.Number = 17
	fieldDigest       protowire.Number = 18
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// MarshalBlobInfo encodes info without its chunk id list.
func MarshalBlobInfo(info *blobcache.BlobInfo) []byte {
	b := make([]byte, 0, 96+len(info.Key)+len(info.Password))
	if info.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, info.Key)
	}
	b = appendVarintField(b, fieldSlot, uint64(info.Coords.Slot))
	b = appendVarintField(b, fieldEpoch, uint64(info.Coords.Epoch))
	b = appendVarintField(b, fieldSeq, info.Coords.Seq)
	b = appendVarintField(b, fieldCreateTime, uint64(info.CreateTime))
	b = appendVarintField(b, fieldCreateServer, uint64(info.CreateServer))
	b = appendVarintField(b, fieldCreateID, info.CreateID)
	b = appendVarintField(b, fieldDeadTime, uint64(info.DeadTime))
	b = appendVarintField(b, fieldExpire, uint64(info.Expire))
	b = appendVarintField(b, fieldVerExpire, uint64(info.VerExpire))
	b = appendVarintField(b, fieldTTL, uint64(info.TTL))
	b = appendVarintField(b, fieldVerTTL, uint64(info.VerTTL))
	b = appendVarintField(b, fieldSize, uint64(info.Size))         //nolint:gosec // sizes are non-negative
	b = appendVarintField(b, fieldDiskSize, uint64(info.DiskSize)) //nolint:gosec // sizes are non-negative
	b = appendVarintField(b, fieldBlobVer, info.BlobVer)
	b = appendVarintField(b, fieldChunkSize, uint64(info.ChunkSize)) //nolint:gosec // chunk size is positive
	if info.Password != "" {
		b = protowire.AppendTag(b, fieldPassword, protowire.BytesType)
		b = protowire.AppendString(b, info.Password)
	}
	if !info.Digest.IsZero() {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, info.Digest[:])
	}
	return b
}

// UnmarshalBlobInfo decodes a record written by MarshalBlobInfo.
// Unknown fields are skipped.
func UnmarshalBlobInfo(b []byte) (*blobcache.BlobInfo, error) {
	info := &blobcache.BlobInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: blob info tag: %v", ErrCorrupted, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
		}
		b = b[n:]

		if typ == protowire.BytesType && (num == fieldKey || num == fieldPassword || num == fieldDigest) {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: blob info field %d: %v", ErrCorrupted, num, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
			}
			b = b[n:]
			switch num {
			case fieldKey:
				info.Key = string(v)
			case fieldPassword:
				info.Password = string(v)
			case fieldDigest:
				if len(v) != blobcache.HashSize {
					return nil, fmt.Errorf("%w: digest of %d bytes", ErrCorrupted, len(v))
				}
				copy(info.Digest[:], v)
			}
			continue
		}

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: skipping field %d: %v", ErrCorrupted, num, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: blob info field %d: %v", ErrCorrupted, num, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
		}
		b = b[n:]

		//nolint:gosec // values were written from the same field widths
		switch num {
		case fieldSlot:
			info.Coords.Slot = uint32(v)
		case fieldEpoch:
			info.Coords.Epoch = uint32(v)
		case fieldSeq:
			info.Coords.Seq = v
		case fieldCreateTime:
			info.CreateTime = blobcache.Timestamp(v)
		case fieldCreateServer:
			info.CreateServer = uint32(v)
		case fieldCreateID:
			info.CreateID = v
		case fieldDeadTime:
			info.DeadTime = blobcache.Timestamp(v)
		case fieldExpire:
			info.Expire = blobcache.Timestamp(v)
		case fieldVerExpire:
			info.VerExpire = blobcache.Timestamp(v)
		case fieldTTL:
			info.TTL = uint32(v)
		case fieldVerTTL:
			info.VerTTL = uint32(v)
		case fieldSize:
			info.Size = int64(v)
		case fieldDiskSize:
			info.DiskSize = int64(v)
		case fieldBlobVer:
			info.BlobVer = v
		case fieldChunkSize:
			info.ChunkSize = int32(v)
		}
	}
	return info, nil
}

// MarshalChunkIDs packs a chunk id list as delta-encoded varints.
func MarshalChunkIDs(ids []uint64) []byte {
	b := make([]byte, 0, len(ids)*2)
	b = protowire.AppendVarint(b, uint64(len(ids)))
	var prev uint64
	for _, id := range ids {
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(id-prev))) //nolint:gosec // wrapping delta is undone on decode
		prev = id
	}
	return b
}

// UnmarshalChunkIDs reverses MarshalChunkIDs.
func UnmarshalChunkIDs(b []byte) ([]uint64, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("%w: chunk id count: %v", ErrCorrupted, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
	}
	b = b[n:]
	if count > uint64(len(b)) {
		return nil, fmt.Errorf("%w: %d chunk ids in %d bytes", ErrCorrupted, count, len(b))
	}

	ids := make([]uint64, 0, count)
	var prev uint64
	for range count {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: chunk id: %v", ErrCorrupted, protowire.ParseError(n)) //nolint:errorlint // corruption is the sentinel
		}
		b = b[n:]
		prev += uint64(protowire.DecodeZigZag(v)) //nolint:gosec // see MarshalChunkIDs
		ids = append(ids, prev)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after chunk ids", ErrCorrupted, len(b))
	}
	return ids, nil
}
