package schedule

import (
	"sync"
	"testing"
	"time"

	"wardend/internal/command"
	"wardend/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	results []model.CheckResult
	notifs  []model.NotificationType
}

func (s *recordingSink) CheckResult(obj Checkable, ev model.StateChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, ev.Result)
}
func (s *recordingSink) SendNotifications(obj Checkable, t model.NotificationType, cr model.CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifs = append(s.notifs, t)
}
func (s *recordingSink) ExecuteCommand(obj Checkable, endpoint string, spec command.Spec) {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func newScheduledService(interval time.Duration, maxAttempts int, runner command.Runner) (*model.Service, *Scheduler, *recordingSink) {
	svc := model.NewService("host1", "svc1", "", model.HARunOnAll, model.CheckableConfig{
		CheckInterval:    interval,
		RetryInterval:    interval,
		MaxCheckAttempts: maxAttempts,
		HistoryDepth:     10,
	})
	svc.Activate()
	svc.SetAuthority(true)

	sink := &recordingSink{}
	sched := New(nil, NewFlags(), nil, sink, Config{MaxConcurrentChecks: 8, Runner: runner})
	svc.SetNextCheck(time.Now().Add(-time.Hour), time.Now())
	sched.Add(svc)
	return svc, sched, sink
}

func TestSchedulerDispatchesAtInterval(t *testing.T) {
	runner := command.NewFixedMockRunner(model.StateOK, "ok")
	_, sched, sink := newScheduledService(200*time.Millisecond, 1, runner)

	go sched.Run()
	defer sched.Stop()

	time.Sleep(900 * time.Millisecond)

	count := sink.count()
	if count < 3 || count > 6 {
		t.Fatalf("expected roughly 4-5 dispatches in 900ms at 200ms interval, got %d", count)
	}
}

func TestSchedulerRemoteDispatchGoesToSink(t *testing.T) {
	svc := model.NewService("host1", "svc-remote", "", model.HARunOnAll, model.CheckableConfig{
		CheckInterval:    time.Second,
		RetryInterval:    time.Second,
		MaxCheckAttempts: 1,
		CommandEndpoint:  "peer-b",
	})
	svc.Activate()
	svc.SetAuthority(true)
	svc.SetNextCheck(time.Now().Add(-time.Hour), time.Now())

	sink := &recordingSink{}
	remoteCalled := make(chan string, 1)
	sink2 := &remoteTrackingSink{recordingSink: sink, called: remoteCalled}

	sched := New(nil, NewFlags(), nil, sink2, Config{MaxConcurrentChecks: 4})
	sched.Add(svc)

	go sched.Run()
	defer sched.Stop()

	select {
	case ep := <-remoteCalled:
		if ep != "peer-b" {
			t.Fatalf("expected remote dispatch to peer-b, got %q", ep)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ExecuteCommand to be invoked for remote command_endpoint")
	}
}

type remoteTrackingSink struct {
	*recordingSink
	called chan string
}

func (s *remoteTrackingSink) ExecuteCommand(obj Checkable, endpoint string, spec command.Spec) {
	select {
	case s.called <- endpoint:
	default:
	}
}

// TestSchedulerRemoteDispatchRoundTrip drives Scenario 6 end to end: a
// command_endpoint dispatch reaches ExecuteCommand, and the simulated
// peer's reply is fed back through HandleRemoteResult exactly as the
// event::CheckResult RPC handler would, completing the check locally.
func TestSchedulerRemoteDispatchRoundTrip(t *testing.T) {
	svc := model.NewService("host1", "svc-remote", "", model.HARunOnAll, model.CheckableConfig{
		CheckInterval:    time.Second,
		RetryInterval:    time.Second,
		MaxCheckAttempts: 1,
		CommandEndpoint:  "peer-b",
	})
	svc.Activate()
	svc.SetAuthority(true)
	svc.SetNextCheck(time.Now().Add(-time.Hour), time.Now())

	sink := &recordingSink{}
	remoteCalled := make(chan string, 1)
	sink2 := &remoteTrackingSink{recordingSink: sink, called: remoteCalled}

	sched := New(nil, NewFlags(), nil, sink2, Config{MaxConcurrentChecks: 4})
	sched.Add(svc)

	go sched.Run()
	defer sched.Stop()

	select {
	case <-remoteCalled:
	case <-time.After(time.Second):
		t.Fatal("expected ExecuteCommand to be invoked for remote command_endpoint")
	}

	reply := model.CheckResult{
		State:          model.StateOK,
		Output:         "remote reply",
		ExecutionStart: time.Now(),
		ExecutionEnd:   time.Now(),
	}
	sched.HandleRemoteResult(svc.FullName(), reply)

	deadline := time.After(time.Second)
	for {
		if sink.count() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected HandleRemoteResult to complete the check via completeLocal")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := sink.results[0]
	if got.Output != "remote reply" || got.State != model.StateOK {
		t.Fatalf("unexpected completed result: %+v", got)
	}
}
