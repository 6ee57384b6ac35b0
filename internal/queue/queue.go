// Package queue implements the typed bounded work queue described in
// spec.md §4.B: three priority classes, named queues, a configurable
// worker pool, and an exception callback so a panicking task doesn't
// take its worker down. The recover-and-report-per-task pattern is
// grounded on the interval job scheduler's runWithRecover idiom seen
// in the retrieved pack (dockmon's schedule/job.go).
package queue

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority is one of three classes; High tasks are drained before
// Normal, which are drained before Low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Task is a unit of work submitted to a Queue.
type Task func()

// ExceptionCallback receives any panic recovered while running a task.
type ExceptionCallback func(task Task, recovered interface{})

type queuedTask struct {
	task     Task
	priority Priority
}

// Queue is a named, bounded, priority FIFO serviced by a configurable
// number of worker goroutines. With exactly one worker, tasks across
// all priorities run strictly FIFO-within-priority, one at a time;
// with more than one, tasks run concurrently with each other.
type Queue struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	notEmpty *sync.Cond
	high, normal, low []queuedTask
	bound   int

	exceptionCb ExceptionCallback

	completions   []time.Time
	completionsMu sync.Mutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Queue named name with the given bound (0 = unbounded)
// and worker count (< 1 is clamped to 1).
func New(name string, bound, workers int, log *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{name: name, bound: bound, log: log, stopCh: make(chan struct{})}
	q.notEmpty = sync.NewCond(&q.mu)
	q.startWorkers(workers)
	return q
}

func (q *Queue) startWorkers(n int) {
	q.started = true
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Name returns the queue's configured name, used in logs and stats.
func (q *Queue) Name() string { return q.name }

// SetExceptionCallback registers fn to be invoked whenever a task
// panics; fn runs on the worker goroutine, after the task's own
// recover has already prevented the panic from escaping.
func (q *Queue) SetExceptionCallback(fn ExceptionCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exceptionCb = fn
}

// Enqueue adds task at the given priority. Returns false if the queue
// is bounded and full.
func (q *Queue) Enqueue(task Task, priority Priority) bool {
	q.mu.Lock()
	if q.bound > 0 && q.Length() >= q.bound {
		q.mu.Unlock()
		return false
	}
	qt := queuedTask{task: task, priority: priority}
	switch priority {
	case High:
		q.high = append(q.high, qt)
	case Normal:
		q.normal = append(q.normal, qt)
	default:
		q.low = append(q.low, qt)
	}
	q.mu.Unlock()
	q.notEmpty.Signal()
	return true
}

// Length returns the total number of queued (not yet dispatched) tasks.
// Callers holding q.mu may call this directly; others should not rely
// on exact consistency across a racing Enqueue/dequeue.
func (q *Queue) Length() int {
	return len(q.high) + len(q.normal) + len(q.low)
}

func (q *Queue) dequeueLocked() (queuedTask, bool) {
	if len(q.high) > 0 {
		t := q.high[0]
		q.high = q.high[1:]
		return t, true
	}
	if len(q.normal) > 0 {
		t := q.normal[0]
		q.normal = q.normal[1:]
		return t, true
	}
	if len(q.low) > 0 {
		t := q.low[0]
		q.low = q.low[1:]
		return t, true
	}
	return queuedTask{}, false
}

func (q *Queue) stopped() bool {
	select {
	case <-q.stopCh:
		return true
	default:
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.Length() == 0 && !q.stopped() {
			q.notEmpty.Wait()
		}
		if q.stopped() {
			q.mu.Unlock()
			return
		}
		qt, ok := q.dequeueLocked()
		q.mu.Unlock()
		if !ok {
			continue
		}
		q.runTask(qt.task)
	}
}

func (q *Queue) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue task panicked", zap.String("queue", q.name), zap.Any("recover", r))
			q.mu.Lock()
			cb := q.exceptionCb
			q.mu.Unlock()
			if cb != nil {
				cb(task, r)
			}
		}
	}()
	task()
	q.completionsMu.Lock()
	q.completions = append(q.completions, time.Now())
	q.completionsMu.Unlock()
}

// TaskRate returns the number of tasks completed per second, averaged
// over the trailing window duration.
func (q *Queue) TaskRate(window time.Duration) float64 {
	cutoff := time.Now().Add(-window)
	q.completionsMu.Lock()
	defer q.completionsMu.Unlock()

	kept := q.completions[:0:0]
	count := 0
	for _, t := range q.completions {
		if t.After(cutoff) {
			kept = append(kept, t)
			count++
		}
	}
	q.completions = kept
	if window <= 0 {
		return 0
	}
	return float64(count) / window.Seconds()
}

// Stop signals all workers to exit once their current task finishes
// and waits for them to return. Tasks still queued are discarded.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}
