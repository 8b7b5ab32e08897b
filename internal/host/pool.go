package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool bounds the number of actions a host executes at once.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  PoolStats
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewPool creates a pool running at most size jobs concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit starts fn once a slot is free. It blocks while the pool is full and
// gives up when ctx ends or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot start waiting
	// between the closed check and the Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.stats.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
			}
			atomic.AddInt64(&p.stats.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
		} else {
			atomic.AddInt64(&p.stats.Completed, 1)
		}
	}()

	return nil
}

// Available reports how many jobs could start right now.
func (p *Pool) Available() int {
	return cap(p.sem) - len(p.sem)
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running jobs.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
