package model

import (
	"testing"
	"time"
)

func newTestService(t *testing.T, maxAttempts int, retry, interval time.Duration) *Service {
	t.Helper()
	return NewService("host1", "svc1", "", HARunOnAll, CheckableConfig{
		CheckInterval:    interval,
		RetryInterval:    retry,
		MaxCheckAttempts: maxAttempts,
		HistoryDepth:     5,
	})
}

func TestProcessCheckResultSoftToHard(t *testing.T) {
	svc := newTestService(t, 3, time.Second, 5*time.Second)
	now := time.Now()

	crCrit := CheckResult{State: StateCritical, Output: "bad"}

	ev1 := svc.ProcessCheckResult(crCrit, now)
	if ev1.HardStateChanged {
		t.Fatalf("expected soft transition 1, got hard")
	}
	state, stype, attempt := svc.State()
	if state != StateCritical || stype != StateSoft || attempt != 1 {
		t.Fatalf("unexpected state after 1st result: %v %v %d", state, stype, attempt)
	}

	svc.ProcessCheckResult(crCrit, now.Add(time.Second))
	_, stype, attempt = svc.State()
	if stype != StateSoft || attempt != 2 {
		t.Fatalf("unexpected state after 2nd result: %v %d", stype, attempt)
	}

	ev3 := svc.ProcessCheckResult(crCrit, now.Add(2*time.Second))
	_, stype, attempt = svc.State()
	if stype != StateHard || attempt != 3 {
		t.Fatalf("expected hard/3 after 3rd result, got %v/%d", stype, attempt)
	}
	if !ev3.HardStateChanged || !ev3.Notify || ev3.NotificationType != NotificationProblem {
		t.Fatalf("expected a Problem notification on 3rd result, got %+v", ev3)
	}

	ev4 := svc.ProcessCheckResult(crCrit, now.Add(3*time.Second))
	if ev4.HardStateChanged {
		t.Fatalf("4th identical result should not re-trigger a hard transition")
	}
}

func TestProcessCheckResultRecovery(t *testing.T) {
	svc := newTestService(t, 1, time.Second, 5*time.Second)
	now := time.Now()

	crCrit := CheckResult{State: StateCritical}
	ev := svc.ProcessCheckResult(crCrit, now)
	if !ev.HardStateChanged || !ev.Notify {
		t.Fatalf("expected immediate hard Problem with max_check_attempts=1, got %+v", ev)
	}

	crOK := CheckResult{State: StateOK}
	ev2 := svc.ProcessCheckResult(crOK, now.Add(time.Second))
	if !ev2.HardStateChanged || !ev2.Notify || ev2.NotificationType != NotificationRecovery {
		t.Fatalf("expected a Recovery notification, got %+v", ev2)
	}
	state, stype, attempt := svc.State()
	if state != StateOK || stype != StateHard || attempt != 1 {
		t.Fatalf("unexpected post-recovery state: %v %v %d", state, stype, attempt)
	}
}

func TestProcessCheckResultRecoveryFromSoftState(t *testing.T) {
	svc := newTestService(t, 3, time.Second, 5*time.Second)
	now := time.Now()

	crCrit := CheckResult{State: StateCritical}
	ev1 := svc.ProcessCheckResult(crCrit, now)
	if ev1.HardStateChanged {
		t.Fatalf("expected soft transition, got hard")
	}
	state, stype, attempt := svc.State()
	if state != StateCritical || stype != StateSoft || attempt != 1 {
		t.Fatalf("unexpected state after 1st result: %v %v %d", state, stype, attempt)
	}

	crOK := CheckResult{State: StateOK}
	ev2 := svc.ProcessCheckResult(crOK, now.Add(time.Second))
	if !ev2.HardStateChanged {
		t.Fatalf("expected an OK result to end a still-soft problem as a hard transition, got %+v", ev2)
	}
	state, stype, attempt = svc.State()
	if state != StateOK || stype != StateHard || attempt != 1 {
		t.Fatalf("OK recovery from a soft state must land at (OK, Hard, 1), got %v %v %d", state, stype, attempt)
	}
}

func TestResultRingOverwritesOldest(t *testing.T) {
	r := NewResultRing(2)
	r.Push(CheckResult{Output: "a"})
	r.Push(CheckResult{Output: "b"})
	r.Push(CheckResult{Output: "c"})

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Output != "b" || snap[1].Output != "c" {
		t.Fatalf("unexpected ring contents: %+v", snap)
	}
}

func TestDowntimeActive(t *testing.T) {
	start := time.Now()
	end := start.Add(time.Hour)
	fixed := &Downtime{Start: start, End: end, Fixed: true}
	if !fixed.Active(start.Add(time.Minute)) {
		t.Fatalf("fixed downtime should be active inside its window")
	}

	flexible := &Downtime{Start: start, End: end, Fixed: false, Duration: 10 * time.Minute}
	if flexible.Active(start.Add(time.Minute)) {
		t.Fatalf("untriggered flexible downtime should not be active")
	}
	flexible.Trigger(start.Add(time.Minute))
	if !flexible.Active(start.Add(5 * time.Minute)) {
		t.Fatalf("triggered flexible downtime should be active within duration")
	}
	if flexible.Active(start.Add(20 * time.Minute)) {
		t.Fatalf("flexible downtime should expire after duration")
	}
}
