package relay

import (
	"sync"
	"testing"
	"time"

	"wardend/internal/model"
	"wardend/internal/queue"
	"wardend/internal/rpc"
)

type fakeSender struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeSender) SendTo(endpoint string, env rpc.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, endpoint)
	return nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

type fakeReplay struct {
	mu      sync.Mutex
	appends int
}

func (f *fakeReplay) Append(ts time.Time, raw []byte, secobj *SecObj) error {
	f.mu.Lock()
	f.appends++
	f.mu.Unlock()
	return nil
}

func buildRegistry() *model.Registry {
	reg := model.NewRegistry("a")
	master := model.NewZone("master", "", false)
	master.AddEndpoint("a")
	master.AddEndpoint("b")
	reg.AddZone(master)
	reg.AddEndpoint(model.NewEndpoint("a", "", 0, time.Hour))
	reg.AddEndpoint(model.NewEndpoint("b", "", 0, time.Hour))
	return reg
}

func TestRelaySkipsDisconnectedButAppendsReplay(t *testing.T) {
	reg := buildRegistry()
	sender := &fakeSender{}
	rep := &fakeReplay{}

	r := New(nil, reg, sender, rep, 1)
	defer r.Stop()

	done := make(chan struct{})
	r.Publish(Event{Method: "event::CheckResult", Params: map[string]string{"host": "h1"}, ObjectZone: "master"})
	r.q.Enqueue(func() { close(done) }, queue.Normal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not drain")
	}

	if got := sender.snapshot(); len(got) != 0 {
		t.Fatalf("expected no sends with no connected peers, got %v", got)
	}
	if rep.appends != 1 {
		t.Fatalf("expected exactly one replay append, got %d", rep.appends)
	}
}
