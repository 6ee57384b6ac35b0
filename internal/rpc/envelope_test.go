package rpc

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeNotificationHasNoID(t *testing.T) {
	env, err := NewNotification("event::CheckResult", map[string]string{"host": "h1"}, "master")
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if env.HasID() {
		t.Fatal("notification envelope should not have an id")
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round Envelope
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Method != "event::CheckResult" || round.OriginZone != "master" {
		t.Fatalf("round trip mismatch: %+v", round)
	}
	if round.HasID() {
		t.Fatal("round-tripped notification should still have no id")
	}
}

func TestEnvelopeExplicitNullID(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"icinga::Hello","id":null,"ts":1.0}`)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.HasID() {
		t.Fatal("explicit null id should not count as HasID")
	}
	if env.HasInvalidID() {
		t.Fatal("explicit null id is not invalid")
	}
}

func TestEnvelopeWithID(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"log::SetLogPosition","id":"req-1","ts":2.0}`)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.HasID() {
		t.Fatal("expected HasID true for a present, valid id")
	}
}
