package backend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"

	blobcache "github.com/wolfeidau/blob-cache"
)

var (
	// FrameMagic is the 4-byte prefix of every chunk frame.
	FrameMagic = []byte("BCF1")

	// ErrInvalidMagic is returned when data doesn't start with FrameMagic.
	ErrInvalidMagic = errors.New("backend: invalid magic bytes, expected BCF1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("backend: frame header exceeds maximum size")

	// ErrCorrupted is returned when a frame body fails digest or length checks.
	ErrCorrupted = errors.New("backend: corrupted chunk frame")
)

const (
	// MaxHeaderSize bounds the encoded frame header.
	MaxHeaderSize = 4 * 1024

	// MaxRawLength caps the decoded size of one frame to stop compression bombs.
	MaxRawLength = 64 * 1024 * 1024

	// DefaultCompressionThreshold is the payload size below which frames are
	// stored uncompressed.
	DefaultCompressionThreshold = 2048

	frameFixedSize = 8 // magic + header length
)

// Encoding identifies how a frame body is encoded.
type Encoding uint8

const (
	EncodingIdentity Encoding = iota
	EncodingZstd
	EncodingLZ4
)

func (e Encoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingZstd:
		return "zstd"
	case EncodingLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding parses an encoding name. "none" is accepted for identity.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "none", "identity":
		return EncodingIdentity, nil
	case "zstd":
		return EncodingZstd, nil
	case "lz4":
		return EncodingLZ4, nil
	default:
		return 0, fmt.Errorf("backend: unknown encoding %q", s)
	}
}

// FrameHeader describes one stored chunk frame.
type FrameHeader struct {
	Encoding  Encoding
	RawLength uint64
	Digest    blobcache.Hash
	WrittenAt time.Time
}

// protowire field numbers of the frame header.
const (
	fieldEncoding  protowire.Number = 1
	fieldRawLength protowire.Number = 2
	fieldDigest    protowire.Number = 3
	fieldWrittenAt protowire.Number = 4
)

func (h *FrameHeader) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Encoding))
	b = protowire.AppendTag(b, fieldRawLength, protowire.VarintType)
	b = protowire.AppendVarint(b, h.RawLength)
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Digest[:])
	b = protowire.AppendTag(b, fieldWrittenAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.WrittenAt.UnixNano())) //nolint:gosec // nanos since epoch are positive
	return b
}

func (h *FrameHeader) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("parsing frame header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("parsing encoding: %w", protowire.ParseError(n))
			}
			h.Encoding = Encoding(v) //nolint:gosec // validated on decode
			b = b[n:]
		case num == fieldRawLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("parsing raw length: %w", protowire.ParseError(n))
			}
			h.RawLength = v
			b = b[n:]
		case num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("parsing digest: %w", protowire.ParseError(n))
			}
			if len(v) != blobcache.HashSize {
				return fmt.Errorf("parsing digest: %d bytes", len(v))
			}
			copy(h.Digest[:], v)
			b = b[n:]
		case num == fieldWrittenAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("parsing written at: %w", protowire.ParseError(n))
			}
			h.WrittenAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from UnixNano
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// FrameCodec encodes and decodes chunk frames.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDR (protowire) | BODY
// The encoder and decoder are goroutine-safe and reused across frames.
type FrameCodec struct {
	preferred Encoding
	threshold int
	now       func() time.Time

	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// CodecOption configures a FrameCodec.
type CodecOption func(*FrameCodec)

// WithCompressionThreshold sets the minimum payload size that is compressed.
func WithCompressionThreshold(n int) CodecOption {
	return func(c *FrameCodec) {
		c.threshold = n
	}
}

// WithFrameClock sets the clock used for WrittenAt.
func WithFrameClock(now func() time.Time) CodecOption {
	return func(c *FrameCodec) {
		c.now = now
	}
}

// NewFrameCodec creates a codec that compresses with preferred when it pays off.
func NewFrameCodec(preferred Encoding, opts ...CodecOption) (*FrameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawLength))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &FrameCodec{
		preferred: preferred,
		threshold: DefaultCompressionThreshold,
		now:       time.Now,
		encoder:   enc,
		decoder:   dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases encoder/decoder resources.
func (c *FrameCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode returns data wrapped in a frame.
func (c *FrameCodec) Encode(data []byte) ([]byte, error) {
	if len(data) > MaxRawLength {
		return nil, fmt.Errorf("backend: frame payload of %d bytes exceeds %d", len(data), MaxRawLength)
	}

	hdr := FrameHeader{
		Encoding:  EncodingIdentity,
		RawLength: uint64(len(data)),
		Digest:    blobcache.HashBytes(data),
		WrittenAt: c.now(),
	}
	body := data
	if len(data) >= c.threshold {
		compressed, err := c.compress(data)
		if err != nil {
			return nil, err
		}
		if compressed != nil && len(compressed) < len(data) {
			hdr.Encoding = c.preferred
			body = compressed
		}
	}

	header := hdr.marshal(nil)
	frame := make([]byte, 0, frameFixedSize+len(header)+len(body))
	frame = append(frame, FrameMagic...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(header))) //nolint:gosec // header is a handful of fields
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame, nil
}

func (c *FrameCodec) compress(data []byte) ([]byte, error) {
	switch c.preferred {
	case EncodingZstd:
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc == nil {
			return nil, nil
		}
		return enc.EncodeAll(data, nil), nil
	case EncodingLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, nil // incompressible
		}
		return buf[:n], nil
	default:
		return nil, nil
	}
}

// Decode parses a frame, decompresses the body into dst[:0] and verifies
// its digest.
func (c *FrameCodec) Decode(frame, dst []byte) (*FrameHeader, []byte, error) {
	hdr, body, err := splitFrame(frame)
	if err != nil {
		return nil, nil, err
	}
	if hdr.RawLength > MaxRawLength {
		return nil, nil, ErrCorrupted
	}

	var out []byte
	switch hdr.Encoding {
	case EncodingIdentity:
		out = append(dst[:0], body...)
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, nil, errors.New("backend: codec closed")
		}
		out, err = dec.DecodeAll(body, dst[:0])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", ErrCorrupted, err) //nolint:errorlint // corruption is the sentinel
		}
	case EncodingLZ4:
		out = growTo(dst, int(hdr.RawLength))
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: lz4: %v", ErrCorrupted, err) //nolint:errorlint // corruption is the sentinel
		}
		out = out[:n]
	default:
		return nil, nil, fmt.Errorf("%w: unsupported encoding %s", ErrCorrupted, hdr.Encoding)
	}

	if uint64(len(out)) != hdr.RawLength || blobcache.HashBytes(out) != hdr.Digest {
		return nil, nil, ErrCorrupted
	}
	return hdr, out, nil
}

// WriteChunkFrame encodes data and writes the frame to w.
func (c *FrameCodec) WriteChunkFrame(w io.Writer, data []byte) error {
	frame, err := c.Encode(data)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing chunk frame: %w", err)
	}
	return nil
}

// ReadChunkFrame reads a whole frame from r and decodes it into dst[:0].
func (c *FrameCodec) ReadChunkFrame(r io.Reader, dst []byte) (*FrameHeader, []byte, error) {
	frame, err := io.ReadAll(io.LimitReader(r, frameFixedSize+MaxHeaderSize+MaxRawLength+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading chunk frame: %w", err)
	}
	return c.Decode(frame, dst)
}

// ReadFrameHeader reads only the magic and header of a frame.
func ReadFrameHeader(r io.Reader) (*FrameHeader, error) {
	var fixed [frameFixedSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(fixed[:4], FrameMagic) {
		return nil, ErrInvalidMagic
	}
	headerLen := binary.BigEndian.Uint32(fixed[4:])
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	var hdr FrameHeader
	if err := hdr.unmarshal(header); err != nil {
		return nil, err
	}
	return &hdr, nil
}

func splitFrame(frame []byte) (*FrameHeader, []byte, error) {
	if len(frame) < frameFixedSize {
		return nil, nil, ErrCorrupted
	}
	if !bytes.Equal(frame[:4], FrameMagic) {
		return nil, nil, ErrInvalidMagic
	}
	headerLen := binary.BigEndian.Uint32(frame[4:frameFixedSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	if uint64(len(frame)) < frameFixedSize+uint64(headerLen) {
		return nil, nil, ErrCorrupted
	}
	var hdr FrameHeader
	if err := hdr.unmarshal(frame[frameFixedSize : frameFixedSize+headerLen]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupted, err) //nolint:errorlint // corruption is the sentinel
	}
	return &hdr, frame[frameFixedSize+headerLen:], nil
}

func growTo(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	return make([]byte, n)
}
