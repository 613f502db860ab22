package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persistent metadata of one pipeline invocation.
type Run struct {
	RunID     string     `json:"run_id"`
	PlanHash  string     `json:"plan_hash"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Mode      string     `json:"mode"`
	Stages    []string   `json:"stages"`
	Subjects  []string   `json:"subjects"`
	Status    RunStatus  `json:"status"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time must not precede start_time"))
	}
	switch r.Mode {
	case "clean", "incremental":
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	if r.Stages == nil {
		errs = append(errs, errors.New("stages must be an array (not null)"))
	}
	if r.Subjects == nil {
		errs = append(errs, errors.New("subjects must be an array (not null)"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Failure records one subject that did not complete a stage.
type Failure struct {
	Stage   string `json:"stage"`
	Subject string `json:"subject"`
	Command string `json:"command"`
	Message string `json:"message"`
	// Halted is set when the failure stopped the run.
	Halted bool `json:"halted"`
}

func (f Failure) Validate() error {
	var errs []error
	if strings.TrimSpace(f.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if strings.TrimSpace(f.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if strings.TrimSpace(f.Message) == "" {
		errs = append(errs, errors.New("message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
