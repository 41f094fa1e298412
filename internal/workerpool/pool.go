// Package workerpool runs tasks on a fixed number of goroutines behind a
// bounded queue and collects their errors. Verification hashes installed
// files through it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("workerpool")

var (
	// ErrClosed is returned by Submit after Wait was called.
	ErrClosed = errors.New("worker pool closed")
	// ErrTaskPanicked wraps the value of a recovered task panic.
	ErrTaskPanicked = errors.New("task panicked")
)

// Task is a unit of work. ctx ends when the pool's parent context does.
type Task func(ctx context.Context) error

// Pool is a bounded goroutine pool. Create it with New, Submit tasks, then
// call Wait exactly once.
type Pool struct {
	ctx     context.Context
	queue   chan Task
	workers sync.WaitGroup

	// mu guards closed and serializes Submit with closing the queue.
	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	errs  []error
}

// New starts workers goroutines reading from a queue of queueSize tasks.
func New(ctx context.Context, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{ctx: ctx, queue: make(chan Task, queueSize)}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Debugw("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues task, waiting for queue space. It fails once the pool's
// context is done or Wait has been called.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Wait stops accepting tasks, runs everything already queued and returns
// the joined errors of all tasks in completion order.
func (p *Pool) Wait() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.workers.Wait()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.queue {
		if err := p.run(task); err != nil {
			p.errMu.Lock()
			p.errs = append(p.errs, err)
			p.errMu.Unlock()
		}
	}
}

// run executes one task, turning a panic into an error.
func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("task panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task(p.ctx)
}
