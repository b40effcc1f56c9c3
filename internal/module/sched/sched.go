// Package sched implements the dedicated single-goroutine cooperative
// scheduler an async module's Main/ShutdownGracefully coroutine is
// driven on. It is modeled on chancacher's single run() goroutine pump
// (gravwell's chancacher package): one goroutine owns the work and
// processes submissions strictly in order, rather than every caller
// spawning and managing its own goroutine.
package sched

import "context"

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

// Scheduler runs submitted work on a single dedicated goroutine, one
// task at a time, for the lifetime of the process (or until Close).
type Scheduler struct {
	tasks chan task
	quit  chan struct{}
}

// New starts the scheduler's pump goroutine and returns a handle to it.
func New() *Scheduler {
	s := &Scheduler{
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	for {
		select {
		case t := <-s.tasks:
			t.fn(t.ctx)
			close(t.done)
		case <-s.quit:
			return
		}
	}
}

// Run submits fn to the pump goroutine and blocks until fn returns or
// ctx is cancelled first. fn always runs on the scheduler's single
// goroutine, serialized with every other task ever submitted to it.
func (s *Scheduler) Run(ctx context.Context, fn func(ctx context.Context)) {
	done := make(chan struct{})
	select {
	case s.tasks <- task{ctx: ctx, fn: fn, done: done}:
	case <-ctx.Done():
		return
	case <-s.quit:
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close stops the pump goroutine. Any task already accepted still runs
// to completion; no new task is accepted afterward.
func (s *Scheduler) Close() { close(s.quit) }
