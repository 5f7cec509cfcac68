package zipstrip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const (
	// opened represents a started worker accepting tasks.
	opened = iota + 1
	// closed represents a worker that has been waited on.
	closed
)

var (
	ErrWorkerClosed    = errors.New("this worker has been closed")
	ErrWorkerNotOpened = errors.New("this worker has not been opened")
)

type Executor[T any] func(params *T) error

// FailFastWorker runs tasks on a fixed pool of goroutines and stops
// accepting new work after the first executor error. The failure is carried
// as the cancel cause of the worker context, so Submit reports it without
// touching any state the executor goroutines write.
type FailFastWorker[T any] struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel func(err error)

	state       int32
	parallelism int
	tasks       chan *T
	err         error
	errOnce     sync.Once
	executor    Executor[T]
}

func NewFailFastWorker[T any](executor Executor[T], parallelism, capacity int) *FailFastWorker[T] {
	return &FailFastWorker[T]{
		tasks:       make(chan *T, capacity),
		executor:    executor,
		parallelism: parallelism,
	}
}

func (fw *FailFastWorker[T]) Start(ctx context.Context) {
	fw.ctx, fw.cancel = context.WithCancelCause(ctx)
	atomic.StoreInt32(&fw.state, opened)

	for i := 0; i < fw.parallelism; i++ {
		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()

			if err := fw.exec(); err != nil {
				fw.errOnce.Do(func() {
					fw.err = err
					fw.cancel(err)
				})
			}
		}()
	}
}

func (fw *FailFastWorker[T]) exec() error {
	for {
		select {
		case <-fw.ctx.Done():
			return fw.ctx.Err()
		case t, ok := <-fw.tasks:
			if !ok {
				return nil
			}
			if err := fw.executor(t); err != nil {
				return err
			}
		}
	}
}

func (fw *FailFastWorker[T]) Submit(task *T) error {
	if !fw.IsOpened() {
		return ErrWorkerNotOpened
	}
	if fw.IsClosed() {
		return ErrWorkerClosed
	}

	select {
	case <-fw.ctx.Done():
		return context.Cause(fw.ctx)
	default:
	}

	select {
	case fw.tasks <- task:
		// task queued
	case <-fw.ctx.Done():
		return context.Cause(fw.ctx)
	}
	return nil
}

// Wait closes the task channel, waits for in-flight tasks to drain, and
// returns the first executor error, if any.
func (fw *FailFastWorker[T]) Wait() error {
	if fw.IsClosed() {
		return ErrWorkerClosed
	}
	if !fw.IsOpened() {
		return ErrWorkerNotOpened
	}

	close(fw.tasks)

	fw.wg.Wait()
	atomic.StoreInt32(&fw.state, closed)
	return fw.err
}

// IsClosed indicates whether the worker is closed.
func (fw *FailFastWorker[T]) IsClosed() bool {
	return atomic.LoadInt32(&fw.state) == closed
}

// IsOpened indicates whether the worker is opened.
func (fw *FailFastWorker[T]) IsOpened() bool {
	return atomic.LoadInt32(&fw.state) == opened
}
