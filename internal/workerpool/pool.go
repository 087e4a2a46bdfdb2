// Package workerpool bounds the goroutines used for blocking work:
// camera captures, image encoding and face classification on the
// device, push fan-out on the hub.
package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("workerpool")

// ErrRejected is returned by SubmitWait when the pool is stopped or the
// queue is full.
var ErrRejected = errors.New("workerpool: task rejected")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	workers   int
	tasks     chan Task
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// New starts workers goroutines behind a queue of queueSize tasks.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  workers,
		tasks:    make(chan Task, queueSize),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking. Returns false if the pool is
// stopped or the queue is full. wg.Add happens before the enqueue so a
// concurrent Drain cannot miss the task.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	select {
	case p.tasks <- task:
		return true
	default:
		p.wg.Done() // undo, task was not enqueued
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// SubmitWait enqueues a task and blocks until a worker has finished it
// or ctx is done. This is the offload path for blocking calls whose
// result the caller needs inline, like a camera capture inside the
// stop-motion tick.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	done := make(chan struct{})
	ok := p.Submit(func() {
		defer close(done)
		task()
	})
	if !ok {
		return ErrRejected
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Context is cancelled once the pool has drained. Long-lived tasks can
// select on it to notice shutdown.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Shutdown stops intake and drains, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

// Drain waits for queued and in-flight tasks to finish, bounded by ctx.
// Intake is stopped first so the queue can only shrink. After Drain
// returns the workers have exited and the pool context is cancelled.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.cancel()
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Finish whatever is still queued, then exit.
			for {
				select {
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask pairs the wg.Done with Submit's wg.Add and absorbs panics so
// one bad task cannot take a worker down.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
