package cli

import (
	"context"
	"errors"
	"fmt"

	"finalfit/internal/config"
	"finalfit/internal/pipeline"
	"finalfit/internal/poll"
)

const (
	ExitSuccess           = 0
	ExitStepFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitPollTimeout       = 4
	ExitInternalError     = 5
	ExitInterrupted       = 130
)

// InvocationError is returned for flags or arguments the command cannot
// accept.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, config.ErrConfig):
		return ExitConfigError
	case errors.Is(err, poll.ErrPollTimeout):
		return ExitPollTimeout
	case errors.Is(err, pipeline.ErrStepFailed), errors.Is(err, pipeline.ErrJobsFailed):
		return ExitStepFailure
	default:
		return ExitInternalError
	}
}
