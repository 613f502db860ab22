package pipeline

import (
	"errors"
	"fmt"
)

// StepError names the external command that failed inside a multi-step stage.
type StepError struct {
	Command string
	Err     error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func step(command string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Command: command, Err: err}
}

// MissingInputError reports a stage input that an earlier step never produced.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing input %s", e.Path)
}

// StageError is returned when a stage with the halt policy fails for a subject.
type StageError struct {
	Stage   string
	Subject string
	Command string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %s halted: %s failed for subject %s: %v", e.Stage, e.Command, e.Subject, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// commandOf returns the command that failed, falling back to the stage's own.
func commandOf(stage Stage, err error) string {
	var se *StepError
	if errors.As(err, &se) && se.Command != "" {
		return se.Command
	}
	return stage.Command
}
