package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWheelFiresInOrder(t *testing.T) {
	w := New(nil)
	go w.Run()
	defer w.Stop()

	var order []int
	done := make(chan struct{})

	base := time.Now().Add(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		i := i
		w.Schedule(base, func() {
			order = append(order, i)
			if len(order) == 3 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callbacks did not fire")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected insertion order, got %v", order)
		}
	}
}

func TestWheelCancel(t *testing.T) {
	w := New(nil)
	go w.Run()
	defer w.Stop()

	var fired int32
	tok := w.Schedule(time.Now().Add(30*time.Millisecond), func() {
		atomic.AddInt32(&fired, 1)
	})
	if !w.Cancel(tok) {
		t.Fatal("expected cancel to succeed")
	}
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("canceled callback fired")
	}
}
