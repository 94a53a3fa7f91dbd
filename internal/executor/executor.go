// Package executor runs fire-and-forget background tasks (inbound webhook
// processing, partner deliveries) on a bounded pool detached from the request
// that submitted them.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"garagemsg/internal/metrics"
)

type Task func(ctx context.Context) error

// TaskError is reported on the error channel when a task fails.
type TaskError struct {
	Kind string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

type job struct {
	kind string
	fn   Task
}

type Executor struct {
	g       errgroup.Group
	base    context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	errs   chan error
	// OnError, when set, sees every task error after it is logged.
	OnError func(error)
	drained chan struct{}
}

// New returns an executor running workers tasks at once, each bounded by
// timeout, with up to queueSize tasks waiting. Submit never blocks: a full
// queue rejects the task.
func New(workers, queueSize int, timeout time.Duration, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 32
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Executor{
		base:    base,
		cancel:  cancel,
		timeout: timeout,
		log:     log.With(zap.String("component", "executor")),
		queue:   make(chan job, queueSize),
		errs:    make(chan error, 128),
		drained: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		e.g.Go(e.work)
	}
	go e.drain()
	return e
}

func (e *Executor) work() error {
	for j := range e.queue {
		if e.base.Err() != nil {
			metrics.ExecutorTasks.WithLabelValues(j.kind, "cancelled").Inc()
			continue
		}
		ctx, cancel := context.WithTimeout(e.base, e.timeout)
		err := e.run(ctx, j.fn)
		cancel()
		if err != nil {
			metrics.ExecutorTasks.WithLabelValues(j.kind, "error").Inc()
			e.errs <- &TaskError{Kind: j.kind, Err: err}
			continue
		}
		metrics.ExecutorTasks.WithLabelValues(j.kind, "ok").Inc()
	}
	return nil
}

func (e *Executor) drain() {
	defer close(e.drained)
	for err := range e.errs {
		e.log.Error("background task failed", zap.Error(err))
		if e.OnError != nil {
			e.OnError(err)
		}
	}
}

// Submit queues fn. It returns false once the executor is closed or when the
// queue is full; it is safe to call from inside a running task.
func (e *Executor) Submit(kind string, fn Task) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.ExecutorTasks.WithLabelValues(kind, "rejected").Inc()
		return false
	}
	select {
	case e.queue <- job{kind: kind, fn: fn}:
		return true
	default:
		metrics.ExecutorTasks.WithLabelValues(kind, "dropped").Inc()
		e.log.Warn("executor queue full, task dropped", zap.String("kind", kind))
		return false
	}
}

func (e *Executor) run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Close stops accepting tasks and waits for queued and running ones. When ctx
// expires first, running tasks are cancelled and queued ones are skipped.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = e.g.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
		err = ctx.Err()
	}
	e.cancel()
	close(e.errs)
	<-e.drained
	return err
}
