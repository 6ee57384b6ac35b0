package command

import (
	"context"
	"regexp"
	"testing"
	"time"

	"wardend/internal/model"
)

func TestWhitelistValidateRejectsUnknownPlugin(t *testing.T) {
	w := NewWhitelist(nil)
	if err := w.Validate("check_disk", "/usr/lib/checks/check_disk", nil); err == nil {
		t.Fatal("expected error for unregistered plugin")
	}
}

func TestWhitelistValidatePathAndArgPatterns(t *testing.T) {
	w := NewWhitelist(map[string]PluginRule{
		"check_disk": {
			Path: "/usr/lib/checks/check_disk",
			ArgPatterns: []*regexp.Regexp{
				regexp.MustCompile(`^-w$`),
				regexp.MustCompile(`^\d+$`),
			},
		},
	})

	if err := w.Validate("check_disk", "/usr/lib/checks/check_disk", []string{"-w", "80"}); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
	if err := w.Validate("check_disk", "/usr/lib/checks/check_disk", []string{"-w", "not-a-number"}); err == nil {
		t.Fatal("expected pattern mismatch to be rejected")
	}
	if err := w.Validate("check_disk", "/bin/rm", []string{"-w", "80"}); err == nil {
		t.Fatal("expected path mismatch to be rejected")
	}
	if err := w.Validate("check_disk", "/usr/lib/checks/check_disk", []string{"-w"}); err == nil {
		t.Fatal("expected arg count mismatch to be rejected")
	}
}

func TestExecRunnerWithWhitelistRejectsUnlistedCommand(t *testing.T) {
	w := NewWhitelist(map[string]PluginRule{
		"check_disk": {Path: "/usr/lib/checks/check_disk"},
	})
	r := NewExecRunnerWithWhitelist(w)

	cr := r.Execute(context.Background(), Spec{Command: "rm", Args: []string{"-rf", "/"}, Timeout: time.Second})
	if cr.State != model.StateUnknown {
		t.Fatalf("expected unknown state for a non-whitelisted command, got %v", cr.State)
	}
}

func TestSanitizeOutputMasksCredentialShapedText(t *testing.T) {
	got := SanitizeOutput("connected with token=abc123 password=hunter2 ok")
	if got != "connected with token=*** password=*** ok" {
		t.Fatalf("unexpected sanitized output: %q", got)
	}
}
