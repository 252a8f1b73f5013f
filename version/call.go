package version

import (
	"context"
	"sync"
)

type callState uint8

const (
	callIdle callState = iota
	callRunning
	callDone
)

// call tracks one storage round trip on behalf of a single caller.
//
// The first do starts fn on the runner. If fn finishes before do returns,
// its error is returned inline and no listener fires. Otherwise do returns
// ErrWouldBlock, the most recent listener fires once fn finishes, and the
// next do returns fn's error.
type call struct {
	mu       sync.Mutex
	state    callState
	err      error
	listener Listener
	notify   bool
	onDone   func()
}

func (c *call) do(r *runner, l Listener, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	switch c.state {
	case callDone:
		err := c.takeLocked()
		c.mu.Unlock()
		return err
	case callRunning:
		c.listener = l
		c.notify = true
		c.mu.Unlock()
		return ErrWouldBlock
	}
	c.state = callRunning
	c.listener = l
	c.notify = false
	c.mu.Unlock()

	r.run(func(ctx context.Context) {
		err := fn(ctx)

		c.mu.Lock()
		c.state = callDone
		c.err = err
		listener, notify, onDone := c.listener, c.notify, c.onDone
		c.listener, c.onDone = nil, nil
		c.mu.Unlock()

		switch {
		case onDone != nil:
			onDone()
		case notify && listener != nil:
			listener.OnReady()
		}
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == callDone {
		return c.takeLocked()
	}
	c.notify = true
	return ErrWouldBlock
}

func (c *call) takeLocked() error {
	err := c.err
	c.state = callIdle
	c.err = nil
	c.listener = nil
	c.notify = false
	return err
}

// running reports whether fn is in flight.
func (c *call) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == callRunning
}

// deferUntilDone arranges for f to run in place of the listener once the
// in-flight fn finishes. It reports false, without keeping f, when nothing
// is in flight.
func (c *call) deferUntilDone(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callRunning {
		return false
	}
	c.onDone = f
	return true
}

func (c *call) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = callIdle
	c.err = nil
	c.listener = nil
	c.notify = false
	c.onDone = nil
}
