package version

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type countingListener struct {
	n atomic.Int32
}

func (l *countingListener) OnReady() { l.n.Add(1) }

func newTestRunner(t *testing.T, syncIO bool) *runner {
	t.Helper()
	r := newRunner(syncIO, 4, rate.Inf, 1)
	t.Cleanup(func() {
		_ = r.close(context.Background())
	})
	return r
}

func TestCallSyncReturnsInline(t *testing.T) {
	r := newTestRunner(t, true)
	var c call
	l := &countingListener{}

	err := c.do(r, l, func(context.Context) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, l.n.Load())
	require.False(t, c.running())

	require.NoError(t, c.do(r, l, func(context.Context) error { return nil }), "a finished call resets")
}

func TestCallAsyncNotifiesLatestListener(t *testing.T) {
	r := newTestRunner(t, false)
	var c call
	first := &countingListener{}
	second := &countingListener{}
	unblock := make(chan struct{})
	var runs atomic.Int32

	fn := func(context.Context) error {
		runs.Add(1)
		<-unblock
		return errBoom
	}
	require.ErrorIs(t, c.do(r, first, fn), ErrWouldBlock)
	require.True(t, c.running())
	require.ErrorIs(t, c.do(r, second, fn), ErrWouldBlock, "a running call is not restarted")

	close(unblock)
	require.Eventually(t, func() bool { return second.n.Load() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, first.n.Load())

	require.ErrorIs(t, c.do(r, second, fn), errBoom)
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, int32(1), second.n.Load())
}

func TestCallDeferUntilDone(t *testing.T) {
	r := newTestRunner(t, false)
	var c call
	require.False(t, c.deferUntilDone(func() { t.Fatal("must not run") }))

	l := &countingListener{}
	unblock := make(chan struct{})
	require.ErrorIs(t, c.do(r, l, func(context.Context) error {
		<-unblock
		return nil
	}), ErrWouldBlock)

	var deferred atomic.Bool
	require.True(t, c.deferUntilDone(func() { deferred.Store(true) }))
	close(unblock)

	require.Eventually(t, deferred.Load, time.Second, time.Millisecond)
	require.Zero(t, l.n.Load(), "the deferred func replaces the listener")
}

func TestCallReset(t *testing.T) {
	r := newTestRunner(t, true)
	var c call
	require.ErrorIs(t, c.do(r, nil, func(context.Context) error { return errBoom }), errBoom)
	c.reset()
	require.False(t, c.running())
	require.NoError(t, c.do(r, nil, func(context.Context) error { return nil }))
}

func TestRunnerCloseCancelsStragglers(t *testing.T) {
	r := newRunner(false, 1, rate.Inf, 1)
	started := make(chan struct{})
	r.run(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.close(ctx), context.DeadlineExceeded)
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	r := newRunner(false, 2, rate.Inf, 1)
	var active, peak atomic.Int32

	for range 10 {
		r.run(func(context.Context) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		})
	}
	require.NoError(t, r.close(context.Background()))
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWaiter(t *testing.T) {
	w := NewWaiter()
	w.OnReady()
	w.OnReady()
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.Wait(ctx), context.Canceled, "the second notification coalesced into the first")
}

func TestAwait(t *testing.T) {
	calls := 0
	err := Await(context.Background(), func(l Listener) error {
		calls++
		if calls < 3 {
			go l.OnReady()
			return ErrWouldBlock
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Await(ctx, func(Listener) error { return ErrWouldBlock })
	require.ErrorIs(t, err, context.Canceled)
}

func TestListenerFunc(t *testing.T) {
	var n int
	ListenerFunc(func() { n++ }).OnReady()
	require.Equal(t, 1, n)
}
