// Package scheduler runs recurring tasks on a single dedicated goroutine.
//
// A Worker owns one execution goroutine. Every task scheduled on it runs
// there, so two runs never overlap. Each recurring schedule gets a Handle
// whose timer goroutine only feeds runs to the worker; cancelling the handle
// stops the timer and cancels the context passed to the task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one run of a scheduled job. ctx is cancelled when the handle is
// cancelled or the worker shuts down.
type Task func(ctx context.Context)

// ErrWorkerShutdown is returned when scheduling on a stopped worker
var ErrWorkerShutdown = fmt.Errorf("worker is shut down")

// Handle is a cancellable reference to a recurring schedule
type Handle struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pending atomic.Bool
	runs    atomic.Int64
	worker  *Worker
}

// Cancel stops future runs and cancels the context of a run in progress.
// It does not wait for that run to return. Safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
	h.worker.forget(h)
}

// Cancelled reports whether the handle was cancelled
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Runs returns how many times the task has started
func (h *Handle) Runs() int64 {
	return h.runs.Load()
}

type job struct {
	handle *Handle
	task   Task
}

// Worker executes tasks one at a time on a dedicated goroutine
type Worker struct {
	name   string
	logger *logrus.Logger

	jobs chan job
	quit chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handles  map[*Handle]struct{}
	shutdown bool
}

// NewWorker starts a worker goroutine
func NewWorker(name string, logger *logrus.Logger) *Worker {
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		name:    name,
		logger:  logger,
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[*Handle]struct{}),
	}
	go w.loop()
	return w
}

// ScheduleAtFixedRate runs task after initialDelay and then every period.
// Fires are aligned to initialDelay + n*period; a fire that comes due while
// the previous run of the same handle is still pending or running is
// dropped instead of queued.
func (w *Worker) ScheduleAtFixedRate(task Task, initialDelay, period time.Duration) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", period)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdown {
		return nil, ErrWorkerShutdown
	}

	ctx, cancel := context.WithCancel(w.ctx)
	h := &Handle{ctx: ctx, cancel: cancel, worker: w}
	w.handles[h] = struct{}{}

	go w.timer(h, task, initialDelay, period)

	w.logger.WithFields(logrus.Fields{
		"worker":        w.name,
		"initial_delay": initialDelay,
		"period":        period,
	}).Debug("Task scheduled at fixed rate")

	return h, nil
}

// Shutdown stops the worker. A run already in progress may complete but no
// new run starts. Shutdown does not wait; use Done for that.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return
	}
	w.shutdown = true
	w.handles = make(map[*Handle]struct{})
	w.mu.Unlock()

	w.cancel()
	close(w.quit)

	w.logger.WithField("worker", w.name).Debug("Worker shut down")
}

// IsShutdown reports whether Shutdown was called
func (w *Worker) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// Active returns the number of handles that are not cancelled
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handles)
}

// Done is closed once the worker goroutine has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) forget(h *Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handles, h)
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			w.run(j)
		}
	}
}

func (w *Worker) run(j job) {
	defer j.handle.pending.Store(false)

	// select may pick a job over quit when both are ready
	if w.IsShutdown() || j.handle.Cancelled() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"worker": w.name,
				"panic":  r,
			}).Error("Panic in scheduled task")
		}
	}()

	j.handle.runs.Add(1)
	j.task(j.handle.ctx)
}

func (w *Worker) timer(h *Handle, task Task, initialDelay, period time.Duration) {
	next := time.Now().Add(initialDelay)
	t := time.NewTimer(initialDelay)
	defer t.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
		}

		if h.pending.CompareAndSwap(false, true) {
			select {
			case w.jobs <- job{handle: h, task: task}:
			case <-h.ctx.Done():
				return
			}
		} else {
			w.logger.WithField("worker", w.name).Debug("Previous run still in progress, skipping fire")
		}

		now := time.Now()
		next = next.Add(period)
		for !next.After(now) {
			next = next.Add(period)
		}
		t.Reset(next.Sub(now))
	}
}
