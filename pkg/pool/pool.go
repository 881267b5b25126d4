// Package pool tracks every task spawned for one execution tree so a single
// Wait covers the whole tree, including descendants spawned while waiting.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Pool is shared by every node of a tree. Tasks are registered with Go;
// running a subprocess additionally requires a slot from Acquire when the
// pool is bounded.
type Pool struct {
	wg      sync.WaitGroup
	slots   *semaphore.Weighted
	spawned atomic.Int64
	active  atomic.Int64

	mu   sync.Mutex
	errs error
}

// New creates a pool. workers caps concurrently held slots; zero or less
// means unbounded.
func New(workers int) *Pool {
	p := &Pool{}
	if workers > 0 {
		p.slots = semaphore.NewWeighted(int64(workers))
	}
	return p
}

// Go registers fn and runs it on its own goroutine. Go must be called either
// before Wait or from inside a task that is still running, which is what
// lets Wait observe transitively spawned tasks. A returned error or a panic
// is recorded and reported by Wait.
func (p *Pool) Go(fn func() error) {
	p.wg.Add(1)
	p.spawned.Add(1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				p.record(fmt.Errorf("task panic: %v\n%s", r, debug.Stack()))
			}
		}()
		if err := fn(); err != nil {
			p.record(err)
		}
	}()
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.slots == nil {
		return ctx.Err()
	}
	return p.slots.Acquire(ctx, 1)
}

// Release returns a slot taken with Acquire.
func (p *Pool) Release() {
	if p.slots != nil {
		p.slots.Release(1)
	}
}

// Wait blocks until every registered task has finished and returns all
// recorded errors combined.
func (p *Pool) Wait() error {
	p.wg.Wait()
	return p.Err()
}

// Err returns the errors recorded so far.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs
}

// Spawned returns the number of tasks ever registered.
func (p *Pool) Spawned() int64 {
	return p.spawned.Load()
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = multierr.Append(p.errs, err)
}
