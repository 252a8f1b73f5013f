// Package pool provides typed object pools with explicit acquire and return.
// Uses sync.Pool for memory reuse and tracks outstanding objects so callers
// can detect leaks.
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed free-list of *T values.
type Pool[T any] struct {
	p     sync.Pool
	reset func(*T)

	inUse     atomic.Int64
	allocated atomic.Int64
}

// New creates a pool. newFn builds a fresh value; reset, if non-nil, clears a
// value before it is returned to the pool.
func New[T any](newFn func() *T, reset func(*T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.p.New = func() any {
		p.allocated.Add(1)
		return newFn()
	}
	return p
}

// Get acquires a value from the pool.
func (p *Pool[T]) Get() *T {
	p.inUse.Add(1)
	return p.p.Get().(*T)
}

// Put returns a value to the pool. The caller must not use v afterwards.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.inUse.Add(-1)
	p.p.Put(v)
}

// InUse returns the number of values acquired and not yet returned.
func (p *Pool[T]) InUse() int64 {
	return p.inUse.Load()
}

// Allocated returns how many values the pool has ever constructed.
func (p *Pool[T]) Allocated() int64 {
	return p.allocated.Load()
}
