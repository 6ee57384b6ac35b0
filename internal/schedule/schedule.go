// Package schedule implements the single-goroutine Checkable dispatch
// loop from spec.md §4.G: a next-check-ordered heap, a bounded pool of
// concurrent in-flight checks, the canRunNow predicate chain, and the
// state-machine hookup (ProcessCheckResult) that produces the events
// internal/relay fans out.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardend/internal/command"
	"wardend/internal/model"
)

// Checkable is the subset of behaviour the scheduler needs from a Host
// or Service; both satisfy it automatically through their embedded
// *model.Checkable / *model.ConfigObject.
type Checkable interface {
	FullName() string
	Type() string
	Active() bool
	Paused() bool
	ActiveChecksEnabled() bool
	CheckPeriod() *model.TimePeriod
	ForceNextCheck() bool
	SetForceNextCheck(bool)
	CommandEndpoint() string
	NextCheck() time.Time
	SetNextCheck(start, want time.Time) bool
	CheckCommand() string
	ProcessCheckResult(cr model.CheckResult, now time.Time) model.StateChangeEvent
}

// DependencyChecker reports whether a checkable is currently reachable
// per its attached Dependency objects (spec.md §4.G canRunNow step 4).
// A nil checker treats everything as reachable.
type DependencyChecker interface {
	Reachable(fullName string) bool
}

// EventSink receives the events the scheduler produces so internal/relay
// can fan them out over the cluster (spec.md §4.H).
type EventSink interface {
	CheckResult(obj Checkable, ev model.StateChangeEvent)
	SendNotifications(obj Checkable, evType model.NotificationType, cr model.CheckResult)
	ExecuteCommand(obj Checkable, endpoint string, spec command.Spec)
}

// Flags carries the process-wide enable_host_checks/enable_service_checks
// toggles from spec.md §4.G canRunNow step 2.
type Flags struct {
	mu                  sync.RWMutex
	enableHostChecks    bool
	enableServiceChecks bool
}

func NewFlags() *Flags {
	return &Flags{enableHostChecks: true, enableServiceChecks: true}
}

func (f *Flags) SetHostChecksEnabled(v bool) {
	f.mu.Lock()
	f.enableHostChecks = v
	f.mu.Unlock()
}
func (f *Flags) SetServiceChecksEnabled(v bool) {
	f.mu.Lock()
	f.enableServiceChecks = v
	f.mu.Unlock()
}
func (f *Flags) hostChecksEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enableHostChecks
}
func (f *Flags) serviceChecksEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enableServiceChecks
}

type entry struct {
	obj   Checkable
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	ni, nj := h[i].obj.NextCheck(), h[j].obj.NextCheck()
	if ni.Equal(nj) {
		return h[i].obj.FullName() < h[j].obj.FullName()
	}
	return ni.Before(nj)
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

// Scheduler is the component described in spec.md §4.G.
type Scheduler struct {
	log    *zap.Logger
	flags  *Flags
	deps   DependencyChecker
	sink   EventSink
	local  *command.ExecRunner
	mock   command.Runner // overrides local, used by tests

	startTime time.Time

	mu             sync.Mutex
	byObject       map[string]*entry
	byNextCheck    entryHeap
	pending        map[string]Checkable
	remoteDeadline map[string]time.Time

	maxConcurrent   int
	concurrentCount int

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	remoteTimeout time.Duration
}

// Config controls scheduler-wide tunables.
type Config struct {
	MaxConcurrentChecks int
	RemoteTimeout       time.Duration
	Runner              command.Runner // nil uses ExecRunner
}

func New(log *zap.Logger, flags *Flags, deps DependencyChecker, sink EventSink, cfg Config) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = 32
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 60 * time.Second
	}
	s := &Scheduler{
		log:            log,
		flags:          flags,
		deps:           deps,
		sink:           sink,
		local:          command.NewExecRunner(),
		mock:           cfg.Runner,
		startTime:      time.Now(),
		byObject:       make(map[string]*entry),
		pending:        make(map[string]Checkable),
		remoteDeadline: make(map[string]time.Time),
		maxConcurrent:  cfg.MaxConcurrentChecks,
		wake:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		remoteTimeout:  cfg.RemoteTimeout,
	}
	return s
}

// Add registers a checkable for scheduling.
func (s *Scheduler) Add(obj Checkable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{obj: obj}
	s.byObject[obj.FullName()] = e
	heap.Push(&s.byNextCheck, e)
	s.signal()
}

// Remove drops a checkable from scheduling (deactivation).
func (s *Scheduler) Remove(fullName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byObject[fullName]
	if !ok {
		return
	}
	delete(s.byObject, fullName)
	delete(s.pending, fullName)
	if e.index >= 0 {
		heap.Remove(&s.byNextCheck, e.index)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// canRunNow implements spec.md §4.G's predicate chain, returning false
// on the first failing check. force bypasses 1-4 but never
// authority/active, which callers have already filtered on.
func (s *Scheduler) canRunNow(obj Checkable, now time.Time) bool {
	if obj.ForceNextCheck() {
		return true
	}
	if !obj.ActiveChecksEnabled() {
		return false
	}
	if obj.Type() == "Host" {
		if !s.flags.hostChecksEnabled() {
			return false
		}
	} else if !s.flags.serviceChecksEnabled() {
		return false
	}
	if p := obj.CheckPeriod(); p != nil && !p.IsInside(now) {
		return false
	}
	if s.deps != nil && !s.deps.Reachable(obj.FullName()) {
		return false
	}
	return true
}

// Run is the dispatch loop described in spec.md §4.G. Callers run it
// in its own goroutine.
func (s *Scheduler) Run() {
	defer close(s.done)
	for {
		wait := s.nextWait()
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-time.After(wait):
		}
		s.drainDue()
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byNextCheck) == 0 {
		return time.Second
	}
	d := time.Until(s.byNextCheck[0].obj.NextCheck())
	if d < 0 {
		d = 0
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Scheduler) drainDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.concurrentCount >= s.maxConcurrent || len(s.byNextCheck) == 0 {
			s.mu.Unlock()
			return
		}
		top := s.byNextCheck[0]
		if top.obj.NextCheck().After(now) {
			s.mu.Unlock()
			return
		}
		heap.Pop(&s.byNextCheck)

		obj := top.obj
		if !obj.Active() || obj.Paused() || !s.canRunNow(obj, now) {
			obj.SetNextCheck(s.startTime, now.Add(time.Minute))
			top.index = -1
			heap.Push(&s.byNextCheck, top)
			s.mu.Unlock()
			continue
		}

		s.pending[obj.FullName()] = obj
		s.concurrentCount++
		s.mu.Unlock()

		go s.dispatch(obj)
	}
}

func (s *Scheduler) dispatch(obj Checkable) {
	endpoint := obj.CommandEndpoint()
	if endpoint != "" {
		s.dispatchRemote(obj, endpoint)
		return
	}

	spec := command.Spec{Command: obj.CheckCommand(), Timeout: 60 * time.Second}
	runner := s.mock
	if runner == nil {
		runner = s.local
	}
	cr := runner.Execute(context.Background(), spec)
	s.completeLocal(obj, cr)
}

func (s *Scheduler) dispatchRemote(obj Checkable, endpoint string) {
	s.mu.Lock()
	s.remoteDeadline[obj.FullName()] = time.Now().Add(s.remoteTimeout)
	s.mu.Unlock()

	s.sink.ExecuteCommand(obj, endpoint, command.Spec{Command: obj.CheckCommand(), Timeout: s.remoteTimeout})
}

func (s *Scheduler) completeLocal(obj Checkable, cr model.CheckResult) {
	ev := obj.ProcessCheckResult(cr, time.Now())
	s.sink.CheckResult(obj, ev)
	if ev.Notify {
		s.sink.SendNotifications(obj, ev.NotificationType, cr)
	}

	s.mu.Lock()
	delete(s.pending, obj.FullName())
	delete(s.remoteDeadline, obj.FullName())
	s.concurrentCount--
	if e, ok := s.byObject[obj.FullName()]; ok && obj.Active() {
		e.index = -1
		heap.Push(&s.byNextCheck, e)
	}
	s.mu.Unlock()
	s.signal()
}

// HandleRemoteResult is called by the RPC event::CheckResult handler
// when a peer we delegated a command_endpoint check to reports back.
func (s *Scheduler) HandleRemoteResult(fullName string, cr model.CheckResult) {
	s.mu.Lock()
	obj, ok := s.pending[fullName]
	if ok {
		delete(s.remoteDeadline, fullName)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("remote check result for unknown/unpending object", zap.String("object", fullName))
		return
	}
	s.completeLocal(obj, cr)
}

// SweepRemoteTimeouts completes any pending remote check whose deadline
// has passed with a synthetic unknown result (spec.md §4.G: "a
// per-object remote timeout fires, producing a synthetic unknown").
// Callers should invoke this periodically, e.g. from the timer wheel.
func (s *Scheduler) SweepRemoteTimeouts() {
	now := time.Now()
	var expired []Checkable
	s.mu.Lock()
	for name, deadline := range s.remoteDeadline {
		if now.After(deadline) {
			if obj, ok := s.pending[name]; ok {
				expired = append(expired, obj)
			}
			delete(s.remoteDeadline, name)
		}
	}
	s.mu.Unlock()

	for _, obj := range expired {
		s.completeLocal(obj, model.CheckResult{
			State:          model.StateUnknown,
			Output:         "remote check timed out",
			ExecutionStart: now,
			ExecutionEnd:   now,
		})
	}
}

// StartTime returns the scheduler's own start time, the base instant
// SetNextCheck clamps against for zone-aware scheduling (spec.md §4.G).
func (s *Scheduler) StartTime() time.Time {
	return s.startTime
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.done
}
