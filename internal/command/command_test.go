package command

import (
	"context"
	"testing"
	"time"

	"wardend/internal/model"
)

func TestMockRunnerReturnsScriptedState(t *testing.T) {
	r := NewFixedMockRunner(model.StateCritical, "disk full")
	cr := r.Execute(context.Background(), Spec{Command: "check_disk", Timeout: time.Second})
	if cr.State != model.StateCritical || cr.Output != "disk full" {
		t.Fatalf("unexpected result: %+v", cr)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	r := NewExecRunner()
	cr := r.Execute(context.Background(), Spec{Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	if cr.State != model.StateUnknown {
		t.Fatalf("expected unknown state on timeout, got %v", cr.State)
	}
}

func TestExecRunnerExitCodeMapping(t *testing.T) {
	r := NewExecRunner()
	cr := r.Execute(context.Background(), Spec{Command: "sh", Args: []string{"-c", "exit 2"}, Timeout: time.Second})
	if cr.State != model.StateCritical {
		t.Fatalf("expected critical for exit 2, got %v", cr.State)
	}
}

func TestMacroExpansion(t *testing.T) {
	got := expandMacros("-H $host.address$ -w $warn$", map[string]string{"host.address": "10.0.0.1", "warn": "80"})
	want := "-H 10.0.0.1 -w 80"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
