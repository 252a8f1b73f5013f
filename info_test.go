package blobcache

import (
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOrderingTuple(t *testing.T) {
	base := BlobInfo{CreateTime: 100, CreateServer: 1, CreateID: 1, DeadTime: 10, Expire: 10, VerExpire: 10}

	tests := []struct {
		name   string
		mutate func(*BlobInfo)
	}{
		{"create_time", func(i *BlobInfo) { i.CreateTime++ }},
		{"create_server", func(i *BlobInfo) { i.CreateServer++ }},
		{"create_id", func(i *BlobInfo) { i.CreateID++ }},
		{"dead_time", func(i *BlobInfo) { i.DeadTime++ }},
		{"expire", func(i *BlobInfo) { i.Expire++ }},
		{"ver_expire", func(i *BlobInfo) { i.VerExpire++ }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			b := base
			tt.mutate(&b)
			assert.Equal(t, -1, Compare(&a, &b))
			assert.Equal(t, 1, Compare(&b, &a))
			assert.True(t, Newer(&b, &a))
			assert.False(t, Newer(&a, &b))
		})
	}

	a, b := base, base
	assert.Equal(t, 0, Compare(&a, &b))
	assert.False(t, Newer(&a, &b))
}

func TestCompareStopsAtFirstDifference(t *testing.T) {
	// Higher create_time wins even when every later field is lower.
	a := &BlobInfo{CreateTime: 101, CreateServer: 1, DeadTime: 1, Expire: 1, VerExpire: 1}
	b := &BlobInfo{CreateTime: 100, CreateServer: 9, CreateID: 9, DeadTime: 9, Expire: 9, VerExpire: 9}
	require.Equal(t, 1, Compare(a, b))

	// Server id breaks create_time ties.
	a = &BlobInfo{CreateTime: 100, CreateServer: 1}
	b = &BlobInfo{CreateTime: 100, CreateServer: 2}
	require.True(t, Newer(b, a))
}

func TestCompareNil(t *testing.T) {
	v := &BlobInfo{}
	assert.Equal(t, 0, Compare(nil, nil))
	assert.Equal(t, 1, Compare(v, nil))
	assert.Equal(t, -1, Compare(nil, v))
	assert.True(t, Newer(v, nil), "absent current loses to any candidate")
}

func TestCompareIsTotalOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	infos := make([]*BlobInfo, 200)
	for i := range infos {
		infos[i] = &BlobInfo{
			CreateTime:   Timestamp(rng.IntN(4)),
			CreateServer: uint32(rng.IntN(3)),
			CreateID:     uint64(rng.IntN(3)),
			DeadTime:     Timestamp(rng.IntN(2)),
			Expire:       Timestamp(rng.IntN(2)),
			VerExpire:    Timestamp(rng.IntN(2)),
		}
	}

	// The max under Compare must be the same no matter the scan order.
	pickMax := func(list []*BlobInfo) *BlobInfo {
		var best *BlobInfo
		for _, i := range list {
			if Newer(i, best) {
				best = i
			}
		}
		return best
	}

	want := pickMax(infos)
	for range 20 {
		shuffled := slices.Clone(infos)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, 0, Compare(want, pickMax(shuffled)))
	}
}

func TestBlobInfoChunkAccounting(t *testing.T) {
	tests := []struct {
		size      int64
		chunk     int32
		wantCount int
		wantLast  int
		inline    bool
	}{
		{size: 0, chunk: 16, wantCount: 0, wantLast: 0, inline: true},
		{size: 1, chunk: 16, wantCount: 1, wantLast: 1, inline: true},
		{size: 16, chunk: 16, wantCount: 1, wantLast: 16, inline: true},
		{size: 17, chunk: 16, wantCount: 2, wantLast: 1, inline: false},
		{size: 48, chunk: 16, wantCount: 3, wantLast: 16, inline: false},
		{size: 52, chunk: 16, wantCount: 4, wantLast: 4, inline: false},
	}

	for _, tt := range tests {
		info := &BlobInfo{Size: tt.size, ChunkSize: tt.chunk}
		assert.Equal(t, tt.wantCount, info.ChunkCount(), "size %d", tt.size)
		assert.Equal(t, tt.inline, info.Inline(), "size %d", tt.size)
		if tt.wantCount > 0 {
			assert.Equal(t, tt.wantLast, info.ChunkLen(tt.wantCount-1), "size %d", tt.size)
		}
		assert.Equal(t, 0, info.ChunkLen(tt.wantCount))
	}
}

func TestBlobInfoDeadAndExpired(t *testing.T) {
	now := NewTimestamp(time.UnixMilli(5_000), 0)

	info := &BlobInfo{}
	assert.False(t, info.IsDead(now), "zero dead time never dies")
	assert.False(t, info.IsExpired(now))

	info.DeadTime = now
	assert.True(t, info.IsDead(now), "dead_time <= now is dead")

	info.DeadTime = now.Next()
	assert.False(t, info.IsDead(now))
	assert.True(t, info.IsDead(now.Next()))

	info.Expire = now
	assert.True(t, info.IsExpired(now))
}

func TestBlobInfoCloneAndCopyProvenance(t *testing.T) {
	src := &BlobInfo{Key: "k", CreateTime: 7, CreateServer: 2, CreateID: 3, Password: "pw", ChunkIDs: []uint64{1, 2}}
	c := src.Clone()
	c.ChunkIDs[0] = 42
	assert.Equal(t, uint64(1), src.ChunkIDs[0])

	dst := &BlobInfo{Key: "k", Coords: Coords{Slot: 1, Seq: 9}, Size: 10}
	dst.CopyProvenance(src)
	assert.Equal(t, Timestamp(7), dst.CreateTime)
	assert.Equal(t, uint32(2), dst.CreateServer)
	assert.Equal(t, "pw", dst.Password)
	assert.Equal(t, int64(10), dst.Size)
	assert.Equal(t, uint64(9), dst.Coords.Seq)
}
