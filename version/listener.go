package version

import (
	"context"
	"errors"
)

// Listener is notified when an operation that returned ErrWouldBlock can be
// called again. OnReady may run on any goroutine and must not block.
type Listener interface {
	OnReady()
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func()

// OnReady calls f.
func (f ListenerFunc) OnReady() { f() }

// Waiter is a Listener a goroutine can block on.
type Waiter struct {
	ready chan struct{}
}

// NewWaiter creates a Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ready: make(chan struct{}, 1)}
}

// OnReady implements Listener.
func (w *Waiter) OnReady() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until OnReady has been called or ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await calls op until it stops returning ErrWouldBlock and returns its
// final error. A canceled ctx stops the wait but not the storage call
// already in flight.
func Await(ctx context.Context, op func(Listener) error) error {
	w := NewWaiter()
	for {
		err := op(w)
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if err := w.Wait(ctx); err != nil {
			return err
		}
	}
}
