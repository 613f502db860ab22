package cli

import (
	"context"
	"errors"
	"fmt"

	"megprep/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitStageFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code of a failure detected before any
// stage ran.
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

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

// SubjectsFailedError is returned when a run completed but some subjects
// failed in stages that continue past failures.
type SubjectsFailedError struct {
	Failed int
}

func (e *SubjectsFailedError) Error() string {
	return fmt.Sprintf("%d subject(s) failed", e.Failed)
}

// ExitCode maps an error to the process exit status.
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
	var stageErr *pipeline.StageError
	var failed *SubjectsFailedError
	switch {
	case errors.As(err, &stageErr), errors.As(err, &failed):
		return ExitStageFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitStageFailure
	}
	return ExitInternalError
}
