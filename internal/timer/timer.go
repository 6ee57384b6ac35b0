// Package timer implements the single-dispatcher scheduled-callback
// wheel described in spec.md §4.A: Schedule/Cancel at 1-second
// resolution, insertion-order ties, a dedicated goroutine that sleeps
// until the next due entry or a wake-up signal.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Token identifies a scheduled callback for Cancel.
type Token uint64

type entry struct {
	at       time.Time
	seq      uint64 // insertion order, breaks ties at equal 'at'
	token    Token
	callback func()
	canceled bool
	index    int // heap index, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is the single-dispatcher timer described in spec.md §4.A.
// Callbacks run sequentially on Wheel's own goroutine; they must not
// block more than a few tens of milliseconds, longer work belongs on
// an internal/queue.Queue.
type Wheel struct {
	log *zap.Logger

	mu      sync.Mutex
	h       entryHeap
	byToken map[Token]*entry
	nextSeq uint64
	nextTok Token

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs a Wheel. Run must be called to start the dispatcher.
func New(log *zap.Logger) *Wheel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Wheel{
		log:     log,
		byToken: make(map[Token]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Schedule arranges for callback to run at 'at' and returns a token
// that Cancel can use to prevent that.
func (w *Wheel) Schedule(at time.Time, callback func()) Token {
	w.mu.Lock()
	w.nextSeq++
	w.nextTok++
	e := &entry{at: at, seq: w.nextSeq, token: w.nextTok, callback: callback}
	w.byToken[e.token] = e
	heap.Push(&w.h, e)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return e.token
}

// Cancel prevents a previously scheduled callback from firing. Returns
// false if the token is unknown or already fired.
func (w *Wheel) Cancel(tok Token) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.byToken[tok]
	if !ok {
		return false
	}
	e.canceled = true
	delete(w.byToken, tok)
	return true
}

// Run is the dispatcher loop; it blocks until Stop is called, so
// callers typically run it in its own goroutine.
func (w *Wheel) Run() {
	defer close(w.done)
	for {
		d, ok := w.nextWait()
		if !ok {
			select {
			case <-w.stop:
				return
			case <-w.wake:
				continue
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-w.stop:
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
			continue
		case <-timer.C:
			w.fireDue()
		}
	}
}

// Stop halts the dispatcher and waits for it to return.
func (w *Wheel) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Wheel) nextWait() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.h) == 0 {
		return 0, false
	}
	d := time.Until(w.h[0].at)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (w *Wheel) fireDue() {
	now := time.Now()
	var due []*entry
	w.mu.Lock()
	for len(w.h) > 0 && !w.h[0].at.After(now) {
		e := heap.Pop(&w.h).(*entry)
		delete(w.byToken, e.token)
		if !e.canceled {
			due = append(due, e)
		}
	}
	w.mu.Unlock()

	for _, e := range due {
		w.runCallback(e)
	}
}

func (w *Wheel) runCallback(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("timer callback panicked", zap.Any("recover", r))
		}
	}()
	e.callback()
}
