package telemetry

import (
	"context"
	"sync/atomic"
)

// BlobStats implements the statistics collaborator of a cache.
// It forwards to the global metrics and keeps in-process totals for the
// /stats endpoint.
type BlobStats struct {
	ctx context.Context

	reads        atomic.Int64
	bytesRead    atomic.Int64
	writes       atomic.Int64
	bytesWritten atomic.Int64
	current      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of BlobStats totals.
type StatsSnapshot struct {
	Reads         int64 `json:"reads"`
	BytesRead     int64 `json:"bytes_read"`
	Writes        int64 `json:"writes"`
	BytesWritten  int64 `json:"bytes_written"`
	BecameCurrent int64 `json:"became_current"`
}

// NewBlobStats creates stats labelled with the cache name.
func NewBlobStats(cache string) *BlobStats {
	return &BlobStats{ctx: WithCache(context.Background(), cache)}
}

// AddBlobRead accounts for one finished read session.
func (s *BlobStats) AddBlobRead(bytesRead, blobSize int64) {
	s.reads.Add(1)
	s.bytesRead.Add(bytesRead)
	RecordBlobRead(s.ctx, bytesRead, blobSize)
}

// AddBlobWritten accounts for one finished write session.
func (s *BlobStats) AddBlobWritten(bytesWritten int64, becameCurrent bool) {
	s.writes.Add(1)
	s.bytesWritten.Add(bytesWritten)
	if becameCurrent {
		s.current.Add(1)
	}
	RecordBlobWritten(s.ctx, bytesWritten, becameCurrent)
}

// Snapshot returns the current totals.
func (s *BlobStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Reads:         s.reads.Load(),
		BytesRead:     s.bytesRead.Load(),
		Writes:        s.writes.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		BecameCurrent: s.current.Load(),
	}
}
