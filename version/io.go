package version

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// runner executes storage calls. In async mode calls run on goroutines
// bounded by a semaphore, and background work also waits on a rate limiter.
// In sync mode calls run inline on the caller's goroutine.
type runner struct {
	sync    bool
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func newRunner(syncIO bool, concurrency int64, limit rate.Limit, burst int) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		sync:    syncIO,
		sem:     semaphore.NewWeighted(concurrency),
		limiter: rate.NewLimiter(limit, burst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// run executes a foreground storage call.
func (r *runner) run(fn func(ctx context.Context)) {
	r.exec(false, fn)
}

// background executes convergence and garbage work.
func (r *runner) background(fn func(ctx context.Context)) {
	r.exec(true, fn)
}

func (r *runner) exec(limited bool, fn func(ctx context.Context)) {
	if r.sync {
		fn(r.ctx)
		return
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		// No goroutines are started once close waits; late completions
		// run inline and see the canceled context after close returns.
		fn(r.ctx)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if limited {
			// A canceled runner still delivers completions; fn sees ctx.Err().
			_ = r.limiter.Wait(r.ctx)
		}
		if err := r.sem.Acquire(r.ctx, 1); err == nil {
			defer r.sem.Release(1)
		}
		fn(r.ctx)
	}()
}

// close waits for in-flight calls, then cancels the context handed to any
// that are still to come. If ctx ends first, in-flight calls are canceled.
func (r *runner) close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
