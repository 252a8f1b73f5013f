package backend

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	blobcache "github.com/wolfeidau/blob-cache"
)

func newTestCodec(t *testing.T, enc Encoding, opts ...CodecOption) *FrameCodec {
	t.Helper()
	c, err := NewFrameCodec(enc, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("blob-cache chunk "), 512)
	small := []byte("hello, world!")

	tests := []struct {
		name    string
		enc     Encoding
		data    []byte
		wantEnc Encoding
		shrinks bool
	}{
		{name: "identity", enc: EncodingIdentity, data: compressible, wantEnc: EncodingIdentity},
		{name: "zstd", enc: EncodingZstd, data: compressible, wantEnc: EncodingZstd, shrinks: true},
		{name: "lz4", enc: EncodingLZ4, data: compressible, wantEnc: EncodingLZ4, shrinks: true},
		{name: "below threshold", enc: EncodingZstd, data: small, wantEnc: EncodingIdentity},
		{name: "empty", enc: EncodingZstd, data: nil, wantEnc: EncodingIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCodec(t, tt.enc)

			frame, err := c.Encode(tt.data)
			require.NoError(t, err)
			if tt.shrinks {
				require.Less(t, len(frame), len(tt.data))
			}

			hdr, got, err := c.Decode(frame, nil)
			require.NoError(t, err)
			require.Equal(t, tt.wantEnc, hdr.Encoding)
			require.Equal(t, uint64(len(tt.data)), hdr.RawLength)
			require.Equal(t, blobcache.HashBytes(tt.data), hdr.Digest)
			require.Equal(t, len(tt.data), len(got))
			if len(tt.data) > 0 {
				require.Equal(t, tt.data, got)
			}
		})
	}
}

func TestFrameIncompressibleStaysIdentity(t *testing.T) {
	c := newTestCodec(t, EncodingZstd, WithCompressionThreshold(1))

	// A short run of distinct bytes never shrinks under zstd.
	data := []byte{0x01, 0x9f, 0x33, 0xc4, 0x58, 0x7e, 0x02, 0xaa}
	frame, err := c.Encode(data)
	require.NoError(t, err)

	hdr, got, err := c.Decode(frame, nil)
	require.NoError(t, err)
	require.Equal(t, EncodingIdentity, hdr.Encoding)
	require.Equal(t, data, got)
}

func TestFrameWrittenAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCodec(t, EncodingIdentity, WithFrameClock(func() time.Time { return at }))

	var buf bytes.Buffer
	require.NoError(t, c.WriteChunkFrame(&buf, []byte("payload")))

	hdr, err := ReadFrameHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, at.Equal(hdr.WrittenAt))

	hdr, got, err := c.ReadChunkFrame(&buf, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
	require.Equal(t, uint64(7), hdr.RawLength)
}

func TestFrameCorruption(t *testing.T) {
	c := newTestCodec(t, EncodingIdentity)
	frame, err := c.Encode([]byte("important bytes"))
	require.NoError(t, err)

	t.Run("flipped body byte", func(t *testing.T) {
		bad := bytes.Clone(frame)
		bad[len(bad)-1] ^= 0xff
		_, _, err := c.Decode(bad, nil)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("truncated body", func(t *testing.T) {
		_, _, err := c.Decode(frame[:len(frame)-3], nil)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, _, err := c.Decode(frame[:5], nil)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := bytes.Clone(frame)
		copy(bad, "XXXX")
		_, _, err := c.Decode(bad, nil)
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("header too large", func(t *testing.T) {
		bad := bytes.Clone(frame)
		binary.BigEndian.PutUint32(bad[4:8], MaxHeaderSize+1)
		_, _, err := c.Decode(bad, nil)
		require.ErrorIs(t, err, ErrHeaderTooLarge)

		_, err = ReadFrameHeader(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrHeaderTooLarge)
	})
}

func TestFrameDecodeReusesDst(t *testing.T) {
	c := newTestCodec(t, EncodingLZ4)
	data := bytes.Repeat([]byte("abcd"), 1024)
	frame, err := c.Encode(data)
	require.NoError(t, err)

	dst := make([]byte, 0, len(data))
	_, got, err := c.Decode(frame, dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Same(t, &dst[:1][0], &got[0], "decoded into caller buffer")
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"": EncodingIdentity, "none": EncodingIdentity, "zstd": EncodingZstd, "lz4": EncodingLZ4} {
		got, err := ParseEncoding(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseEncoding("brotli")
	require.Error(t, err)
	require.Equal(t, "zstd", EncodingZstd.String())
}
