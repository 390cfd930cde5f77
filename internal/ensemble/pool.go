package ensemble

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool bounds the number of local model computations running at once.
type Pool struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int64
}

// NewPool creates a pool of size slots. A size below one means one slot.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{semaphore: make(chan struct{}, size)}
}

// Go runs fn on its own goroutine once a slot is free and returns immediately.
// If ctx ends before a slot is acquired, fn runs with ctx's error and without a slot.
func (p *Pool) Go(ctx context.Context, fn func(err error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case p.semaphore <- struct{}{}:
		case <-ctx.Done():
			fn(ctx.Err())
			return
		}
		p.active.Add(1)
		defer func() {
			p.active.Add(-1)
			<-p.semaphore
		}()
		fn(nil)
	}()
}

// Active returns the number of computations holding a slot.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return cap(p.semaphore)
}

// Wait blocks until every submitted computation has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
