// Package dispatch delivers decoded gateway events to registered handlers.
package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs units of work. Go must not block the caller on the work itself.
type Executor interface {
	Go(task func())
}

// Pool is a bounded Executor. At most size tasks run at once; excess tasks wait
// in their own goroutine for a slot, so Go never blocks.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool that runs at most size tasks concurrently.
//
// Precondition: size >= 1.
// Postcondition: Returns a Pool ready to accept tasks.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules task. Tasks still waiting for a slot when Shutdown is called never run.
func (p *Pool) Go(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		// Acquire may succeed on an already-cancelled context.
		if p.ctx.Err() != nil {
			return
		}
		task()
	}()
}

// Shutdown abandons queued tasks and waits for running ones to return.
// Safe to call more than once.
//
// Postcondition: No task started by this Pool is running.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Inline runs every task synchronously on the calling goroutine.
// It makes dispatch deterministic in tests.
type Inline struct{}

// Go runs task before returning.
func (Inline) Go(task func()) { task() }
