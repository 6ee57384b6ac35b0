// Package command implements the external check-command execution
// adapter that spec.md §1 explicitly leaves out of scope as a
// contract: the scheduler only needs something satisfying Runner.
//
// ExecRunner is grounded on the timeout-bounded exec.CommandContext
// pattern in internal/cmdutil (here generalized from the NAS's
// fixed Fast/Medium/Slow/ZFS timeout tiers to one per-dispatch
// duration carried by the scheduler, since a check's timeout is a
// property of its CheckCommand, not of a fixed operation class).
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"wardend/internal/model"
)

// Spec is what the scheduler hands the runner for one dispatch.
type Spec struct {
	Command string
	Args    []string
	Macros  map[string]string
	Timeout time.Duration
}

// Runner executes one check and returns its result. Implementations
// must never block past Spec.Timeout; ExecRunner enforces this with
// exec.CommandContext, matching internal/cmdutil's Run.
type Runner interface {
	Execute(ctx context.Context, spec Spec) model.CheckResult
}

// ExecRunner runs checks as local subprocesses.
type ExecRunner struct {
	whitelist *Whitelist
}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// NewExecRunnerWithWhitelist is like NewExecRunner but rejects any
// Spec whose command/args don't match an allowed plugin rule instead
// of executing it.
func NewExecRunnerWithWhitelist(w *Whitelist) *ExecRunner {
	return &ExecRunner{whitelist: w}
}

// Execute runs spec.Command with spec.Args, expanding $macro$ tokens
// from spec.Macros first. A non-zero exit is mapped to the Nagios-style
// plugin exit-code convention (0 ok, 1 warning, 2 critical, anything
// else unknown); a timeout or spawn failure produces a synthetic
// unknown result with the error text in Output, per spec.md §7's
// "command execution error" policy.
func (r *ExecRunner) Execute(ctx context.Context, spec Spec) model.CheckResult {
	start := time.Now()
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = expandMacros(a, spec.Macros)
	}

	if r.whitelist != nil {
		if err := r.whitelist.Validate(spec.Command, spec.Command, args); err != nil {
			return model.CheckResult{
				ScheduledStart: start,
				ExecutionStart: start,
				ExecutionEnd:   start,
				ScheduleEnd:    start,
				CommandName:    spec.Command,
				State:          model.StateUnknown,
				ExitStatus:     -1,
				Output:         err.Error(),
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command, args...)
	out, err := cmd.CombinedOutput()
	end := time.Now()

	cr := model.CheckResult{
		ScheduledStart: start,
		ExecutionStart: start,
		ExecutionEnd:   end,
		ScheduleEnd:    end,
		CommandName:    spec.Command,
		Output:         SanitizeOutput(strings.TrimSpace(string(out))),
	}

	if ctx.Err() == context.DeadlineExceeded {
		cr.State = model.StateUnknown
		cr.ExitStatus = -1
		cr.Output = fmt.Sprintf("check timed out after %v", spec.Timeout)
		return cr
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			cr.ExitStatus = exitErr.ExitCode()
		} else {
			cr.ExitStatus = -1
			cr.State = model.StateUnknown
			cr.Output = fmt.Sprintf("spawn failed: %v", err)
			return cr
		}
	}

	cr.State = exitStatusToState(cr.ExitStatus)
	return cr
}

func exitStatusToState(code int) model.State {
	switch code {
	case 0:
		return model.StateOK
	case 1:
		return model.StateWarning
	case 2:
		return model.StateCritical
	default:
		return model.StateUnknown
	}
}

func expandMacros(s string, macros map[string]string) string {
	for k, v := range macros {
		s = strings.ReplaceAll(s, "$"+k+"$", v)
	}
	return s
}

// MockRunner returns pre-scripted results, used by scheduler tests and
// by the end-to-end scenarios in spec.md §8.
type MockRunner struct {
	next func(spec Spec) model.CheckResult
}

// NewMockRunner builds a MockRunner that calls fn for every dispatch.
func NewMockRunner(fn func(spec Spec) model.CheckResult) *MockRunner {
	return &MockRunner{next: fn}
}

// NewFixedMockRunner always returns state, with the given output text.
func NewFixedMockRunner(state model.State, output string) *MockRunner {
	return NewMockRunner(func(spec Spec) model.CheckResult {
		now := time.Now()
		return model.CheckResult{
			ScheduledStart: now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			ScheduleEnd:    now,
			State:          state,
			Output:         output,
			CommandName:    spec.Command,
		}
	})
}

func (m *MockRunner) Execute(ctx context.Context, spec Spec) model.CheckResult {
	return m.next(spec)
}

var _ Runner = (*ExecRunner)(nil)
var _ Runner = (*MockRunner)(nil)
