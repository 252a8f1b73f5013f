package blobcache

import (
	"fmt"
	"time"
)

// logicalBits is the width of the logical counter in a Timestamp.
const logicalBits = 16

const logicalMask = 1<<logicalBits - 1

// Timestamp is a composite wall/logical clock value.
// The upper 48 bits hold Unix milliseconds and the lower 16 bits a logical
// counter that orders events sharing the same millisecond.
// The zero Timestamp means "never" when used as an expiry or dead time.
type Timestamp uint64

// NewTimestamp builds a Timestamp from a wall time and logical counter.
func NewTimestamp(wall time.Time, logical uint16) Timestamp {
	ms := wall.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return Timestamp(uint64(ms)<<logicalBits | uint64(logical)) //nolint:gosec // ms is clamped non-negative
}

// Wall returns the wall clock component.
func (t Timestamp) Wall() time.Time {
	return time.UnixMilli(int64(t >> logicalBits)).UTC() //nolint:gosec // 48-bit value always fits
}

// Logical returns the logical counter component.
func (t Timestamp) Logical() uint16 {
	return uint16(t & logicalMask)
}

// Next returns the timestamp one tick later.
func (t Timestamp) Next() Timestamp {
	return t + 1
}

// Add returns t advanced by d of wall time. Negative durations are ignored.
func (t Timestamp) Add(d time.Duration) Timestamp {
	if d <= 0 {
		return t
	}
	return t + Timestamp(uint64(d.Milliseconds())<<logicalBits) //nolint:gosec // d is positive
}

// AddSeconds is Add for TTL values expressed in whole seconds.
func (t Timestamp) AddSeconds(s uint32) Timestamp {
	return t.Add(time.Duration(s) * time.Second)
}

// IsZero reports whether t is the zero ("never") timestamp.
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Reached reports whether t is set and not after now.
func (t Timestamp) Reached(now Timestamp) bool {
	return t != 0 && t <= now
}

func (t Timestamp) String() string {
	if t == 0 {
		return "never"
	}
	return fmt.Sprintf("%s+%d", t.Wall().Format(time.RFC3339Nano), t.Logical())
}
