package wmi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when a WorkerPool has no free worker and its
// wait queue is at capacity.
var ErrQueueFull = errors.New("wmi: executor queue is full")

// Executor runs potentially blocking engine calls. Implementations decide
// which goroutine runs fn; Execute returns when fn has returned or ctx is
// done.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// InlineExecutor runs calls on the calling goroutine. It is the default.
type InlineExecutor struct{}

// Execute implements Executor.
func (InlineExecutor) Execute(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

var defaultExecutor atomic.Value // holds executorBox

type executorBox struct{ e Executor }

func init() {
	defaultExecutor.Store(executorBox{InlineExecutor{}})
}

// SetDefaultExecutor sets the executor used by connections that were not
// given one with WithExecutor. A nil e restores InlineExecutor.
func SetDefaultExecutor(e Executor) {
	if e == nil {
		e = InlineExecutor{}
	}
	defaultExecutor.Store(executorBox{e})
}

// DefaultExecutor returns the process-wide default executor.
func DefaultExecutor() Executor {
	return defaultExecutor.Load().(executorBox).e
}

// WorkerPool runs calls on at most size goroutines at a time, keeping the
// calling goroutine free to observe cancellation. Callers beyond size wait
// in a queue of at most maxQueue entries (-1 for unbounded).
type WorkerPool struct {
	sem      chan struct{}
	queued   atomic.Int32
	maxQueue int
	wg       sync.WaitGroup
}

// NewWorkerPool returns a pool of size workers.
func NewWorkerPool(size, maxQueue int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		maxQueue: maxQueue,
	}
}

// Execute implements Executor. When ctx is done before fn returns, Execute
// returns ctx.Err() and fn keeps running on its worker with the cancelled
// context.
func (p *WorkerPool) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	// Take a free worker without counting against the queue.
	select {
	case p.sem <- struct{}{}:
		return nil
	default:
	}

	n := p.queued.Add(1)
	defer p.queued.Add(-1)
	if p.maxQueue >= 0 && int(n) > p.maxQueue {
		return ErrQueueFull
	}

	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) release() {
	select {
	case <-p.sem:
	default:
	}
}

// Stats returns the number of busy workers, queued callers and the pool
// size.
func (p *WorkerPool) Stats() (active, queued, size int) {
	return len(p.sem), int(p.queued.Load()), cap(p.sem)
}

// Wait blocks until every call started so far has returned, including
// calls whose callers stopped waiting on cancellation.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
