// Package buffer provides pooled fixed-capacity byte containers, one per
// storage chunk.
package buffer

import (
	"github.com/wolfeidau/blob-cache/pool"
)

// Buffer holds the bytes of one chunk. Its capacity is fixed at creation.
// A Buffer is owned by exactly one holder at a time.
type Buffer struct {
	data []byte
	n    int
}

// New creates an unpooled buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Bytes returns the filled portion of the buffer.
// The slice is valid until the next mutation or until the buffer is returned.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Free returns the unfilled capacity.
func (b *Buffer) Free() int {
	return len(b.data) - b.n
}

// Full reports whether no capacity remains.
func (b *Buffer) Full() bool {
	return b.n == len(b.data)
}

// Append copies as much of p as fits and returns the number of bytes taken.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.data[b.n:], p)
	b.n += n
	return n
}

// Space returns the whole backing array for a reader to fill directly.
// Call SetLen afterwards.
func (b *Buffer) Space() []byte {
	return b.data
}

// SetLen sets the filled length, clamped to the capacity.
func (b *Buffer) SetLen(n int) {
	switch {
	case n < 0:
		n = 0
	case n > len(b.data):
		n = len(b.data)
	}
	b.n = n
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.n = 0
}

// Pool hands out buffers of one fixed capacity.
type Pool struct {
	capacity int
	p        *pool.Pool[Buffer]
}

// NewPool creates a pool of buffers with the given capacity.
func NewPool(capacity int) *Pool {
	return &Pool{
		capacity: capacity,
		p: pool.New(
			func() *Buffer { return New(capacity) },
			func(b *Buffer) { b.Reset() },
		),
	}
}

// Capacity returns the capacity of every buffer in the pool.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Get returns an empty buffer.
func (p *Pool) Get() *Buffer {
	return p.p.Get()
}

// Put returns a buffer to the pool. Buffers of a different capacity are
// dropped for the garbage collector.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	if b.Cap() != p.capacity {
		return
	}
	p.p.Put(b)
}

// InUse returns the number of buffers handed out and not yet returned.
func (p *Pool) InUse() int64 {
	return p.p.InUse()
}
