// Package hlc provides the node identity and the hybrid logical clock used to
// stamp blob versions.
package hlc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	blobcache "github.com/wolfeidau/blob-cache"
)

// Clock is a strictly increasing hybrid logical clock bound to one server id.
// It is safe for concurrent use.
type Clock struct {
	selfID uint32
	wall   func() time.Time

	mu   sync.Mutex
	last blobcache.Timestamp
}

// Option configures a Clock.
type Option func(*Clock)

// WithWallClock sets the physical time source for testing.
func WithWallClock(wall func() time.Time) Option {
	return func(c *Clock) {
		c.wall = wall
	}
}

// New creates a clock that stamps versions with selfID.
func New(selfID uint32, opts ...Option) *Clock {
	c := &Clock{
		selfID: selfID,
		wall:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelfID returns the server id this clock stamps versions with.
func (c *Clock) SelfID() uint32 {
	return c.selfID
}

// Now returns a timestamp strictly greater than any previously returned or
// observed one.
func (c *Clock) Now() blobcache.Timestamp {
	physical := blobcache.NewTimestamp(c.wall(), 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if physical > c.last {
		c.last = physical
	} else {
		c.last = c.last.Next()
	}
	return c.last
}

// Observe merges a timestamp received from a peer so that later local
// timestamps order after it.
func (c *Clock) Observe(remote blobcache.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.last {
		c.last = remote
	}
}

// NodeID derives a 32-bit server id from a node UUID.
// The zero id is reserved, so a zero prefix maps to 1.
func NodeID(id uuid.UUID) uint32 {
	v := binary.BigEndian.Uint32(id[:4]) ^ binary.BigEndian.Uint32(id[12:16])
	if v == 0 {
		return 1
	}
	return v
}
