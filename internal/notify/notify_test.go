package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"wardend/internal/model"
)

type recordingChannel struct {
	mu  sync.Mutex
	got []Message
}

func (c *recordingChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return nil
}

func (c *recordingChannel) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.got...)
}

func TestDispatcherSendsProblemThenRecoveryToSameNotifiedUsers(t *testing.T) {
	dir := NewStaticDirectory()
	ch := &recordingChannel{}
	dir.Add("alice", ch)
	dir.Add("bob", ch)

	d := NewDispatcher(nil, dir, 2)
	defer d.Stop()

	n := model.NewNotification("n1", model.MaskOf(model.NotificationProblem, model.NotificationRecovery), nil, []string{"alice", "bob"})

	cr := model.CheckResult{State: model.StateCritical, Output: "down"}
	d.Send(n, model.NotificationProblem, "host1!svc1", cr, time.Now())

	waitForCount(t, ch, 2)

	// Simulate bob acking out-of-band isn't modeled; both stay notified.
	crOK := model.CheckResult{State: model.StateOK, Output: "up"}
	d.Send(n, model.NotificationRecovery, "host1!svc1", crOK, time.Now())

	waitForCount(t, ch, 4)

	got := ch.snapshot()
	recoveryCount := 0
	for _, m := range got {
		if m.Type == model.NotificationRecovery {
			recoveryCount++
		}
	}
	if recoveryCount != 2 {
		t.Fatalf("expected recovery sent to both previously-notified users, got %d", recoveryCount)
	}
}

func TestDispatcherRespectsNotificationTypeMask(t *testing.T) {
	dir := NewStaticDirectory()
	ch := &recordingChannel{}
	dir.Add("alice", ch)

	d := NewDispatcher(nil, dir, 1)
	defer d.Stop()

	n := model.NewNotification("n2", model.MaskOf(model.NotificationProblem), nil, []string{"alice"})
	d.Send(n, model.NotificationRecovery, "host1!svc1", model.CheckResult{State: model.StateOK}, time.Now())

	time.Sleep(100 * time.Millisecond)
	if len(ch.snapshot()) != 0 {
		t.Fatal("expected no delivery: Recovery is not in the notification's type mask")
	}
}

func waitForCount(t *testing.T, ch *recordingChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.snapshot()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, len(ch.snapshot()))
}
