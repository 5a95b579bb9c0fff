// Package worker provides a fixed-size pool with a bounded submission
// queue, used to cap handler concurrency.
package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker: pool closed")

type task func(context.Context)

type job struct {
	ctx context.Context
	run task
}

// Pool runs submitted tasks on a fixed number of goroutines. Submit blocks
// once the queue is full, which is how callers feel backpressure.
type Pool struct {
	jobs      chan job
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	p := &Pool{jobs: make(chan job, queue)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.run(j.ctx)
	}
}

// Submit queues a task, blocking while the queue is full. It fails fast if
// the pool is closed or ctx is already done.
func (p *Pool) Submit(ctx context.Context, run func(context.Context)) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobs <- job{ctx: ctx, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued reports tasks waiting for a free worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Close stops intake. Queued tasks still run; use Wait to observe the pool
// go idle.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.jobs)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
