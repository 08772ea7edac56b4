// Package queue provides the single ordered task queue that serializes every
// operation touching shared state: election attempts, heartbeats,
// publications and dispatch of observed changes.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"leasecast/pkg/logger"
	"leasecast/pkg/metrics"
)

// ErrClosed is returned for tasks submitted to, or still waiting on, a
// closed queue.
var ErrClosed = errors.New("queue closed")

// Task is one unit of work. It runs to completion before the next task
// starts, including any storage calls it makes.
type Task func(ctx context.Context) error

type job struct {
	name string
	ctx  context.Context
	fn   Task
	done chan error
}

// Queue runs tasks one at a time in submission order on a single worker
// goroutine. Periodic tasks are driven by cron and only ever enqueue, so
// they obey the same ordering.
//
// A task must not call Run or Close on its own queue; it would wait on
// itself.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*job
	closed  bool
	stopped chan struct{}

	cron *cron.Cron
	log  *zap.Logger
}

// New starts the worker and the cron scheduler.
func New(log *zap.Logger) *Queue {
	q := &Queue{
		stopped: make(chan struct{}),
		cron:    cron.New(cron.WithLogger(logger.NewCronLogger(log))),
		log:     log,
	}
	q.cond = sync.NewCond(&q.mu)
	q.cron.Start()
	go q.loop()
	return q
}

// Enqueue submits fn without waiting. The returned channel yields the
// task's result exactly once.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Task) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrClosed
		return done
	}
	q.pending = append(q.pending, &job{name: name, ctx: ctx, fn: fn, done: done})
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	q.cond.Signal()
	return done
}

// Run submits fn and waits for it to finish or for ctx to end. If ctx ends
// first Run returns ctx.Err() and the task is dropped when its turn comes.
func (q *Queue) Run(ctx context.Context, name string, fn Task) error {
	done := q.Enqueue(ctx, name, fn)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SchedulePeriodically enqueues fn every interval. A tick is skipped while
// the previous one is still queued or running. The returned function stops
// future ticks; it never interrupts a tick that already started.
func (q *Queue) SchedulePeriodically(name string, interval time.Duration, fn Task) (cancel func()) {
	var inFlight atomic.Bool

	wrapped := func(ctx context.Context) error {
		defer inFlight.Store(false)
		err := fn(ctx)
		if err != nil {
			q.log.Warn("periodic task failed", zap.String("task", name), zap.Error(err))
		}
		return err
	}

	id := q.cron.Schedule(every(interval), cron.FuncJob(func() {
		if !inFlight.CompareAndSwap(false, true) {
			metrics.TicksSkipped.WithLabelValues(name).Inc()
			q.log.Debug("skipping tick, previous still pending", zap.String("task", name))
			return
		}
		q.Enqueue(context.Background(), name, wrapped)
	}))

	var once sync.Once
	return func() {
		once.Do(func() { q.cron.Remove(id) })
	}
}

// Close stops the scheduler, fails every task that has not started with
// ErrClosed and waits for the running task, if any, to finish.
func (q *Queue) Close() {
	<-q.cron.Stop().Done()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, j := range dropped {
		j.done <- ErrClosed
	}
	q.cond.Broadcast()
	<-q.stopped
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		metrics.QueueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		j.done <- q.execute(j)
	}
}

func (q *Queue) execute(j *job) error {
	if err := j.ctx.Err(); err != nil {
		q.log.Debug("dropping cancelled task", zap.String("task", j.name))
		return err
	}
	return j.fn(j.ctx)
}

// every is a constant-interval cron schedule. Unlike cron.Every it keeps
// sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}
