package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"finalfit/internal/scheduler"
)

var (
	// ErrStepFailed matches a StepError.
	ErrStepFailed = errors.New("sub-step failed")
	// ErrJobsFailed matches a JobsFailedError.
	ErrJobsFailed = errors.New("batch jobs failed")
)

// StepError reports a sub-step whose command exited non-zero.
type StepError struct {
	Stage    Stage
	Step     string
	ExitCode int
	// Output is the tail of the combined stdout and stderr.
	Output  string
	LogPath string
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s/%s: exit code %d", e.Stage, e.Step, e.ExitCode)
	if e.LogPath != "" {
		msg += " (log: " + e.LogPath + ")"
	}
	return msg
}

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// LastLines returns up to n trailing lines of the captured output.
func (e *StepError) LastLines(n int) []string {
	out := strings.TrimRight(e.Output, "\n")
	if out == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(out, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// WaitError reports a failed wait for batch jobs before a sub-step.
type WaitError struct {
	Stage Stage
	Step  string
	Token string
	Err   error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%s/%s: waiting for %s jobs: %v", e.Stage, e.Step, e.Token, e.Err)
}

func (e *WaitError) Unwrap() error { return e.Err }

// JobsFailedError lists batch jobs that left the queue in a failed state.
type JobsFailedError struct {
	Token string
	Jobs  []scheduler.Job
}

func (e *JobsFailedError) Error() string {
	parts := make([]string, 0, len(e.Jobs))
	for _, j := range e.Jobs {
		parts = append(parts, fmt.Sprintf("%s(%s)=%s", j.ID, j.Name, j.State))
	}
	return fmt.Sprintf("%s: %d %s job(s) did not complete: %s", ErrJobsFailed, len(e.Jobs), e.Token, strings.Join(parts, ", "))
}

func (e *JobsFailedError) Is(target error) bool { return target == ErrJobsFailed }
