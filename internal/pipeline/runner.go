package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"megprep/internal/config"
	"megprep/internal/core"
	"megprep/internal/logging"
	"megprep/internal/state"
	"megprep/internal/toolkit"
	"megprep/internal/trace"
)

// Outcome is what happened to one subject in one stage.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// SubjectOutcome records the result of applying a stage to one subject.
type SubjectOutcome struct {
	Subject string
	Outcome Outcome
	Command string
	Err     error
	// Duration is how long the stage action ran; zero when skipped.
	Duration time.Duration
}

// StageResult collects the outcomes of one stage.
type StageResult struct {
	Stage    string
	Subjects []SubjectOutcome
	// Halted is set when a failure stopped the run in this stage.
	Halted bool
}

// Failed returns the subjects that failed.
func (r StageResult) Failed() []SubjectOutcome {
	var out []SubjectOutcome
	for _, s := range r.Subjects {
		if s.Outcome == OutcomeFailed {
			out = append(out, s)
		}
	}
	return out
}

// Result aggregates a multi-stage run.
type Result struct {
	Stages []StageResult
}

// Failed reports whether any subject failed in any stage.
func (r *Result) Failed() bool {
	if r == nil {
		return false
	}
	for _, s := range r.Stages {
		if len(s.Failed()) > 0 {
			return true
		}
	}
	return false
}

// Count returns how many subjects ended with outcome across all stages.
func (r *Result) Count(outcome Outcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, s := range r.Stages {
		for _, o := range s.Subjects {
			if o.Outcome == outcome {
				n++
			}
		}
	}
	return n
}

// FailureLedger persists failed subjects.
type FailureLedger interface {
	RecordFailure(f state.Failure) error
}

// Runner applies stages to subjects.
type Runner struct {
	Logger *zap.Logger
	Trace  trace.Sink
	Mode   config.Mode
	// Diagnostics receives the per-subject failure notice for stages that
	// continue past failures. The CLI uses stdout.
	Diagnostics io.Writer
	// Ledger is optional.
	Ledger FailureLedger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run applies stages in pipeline order. It stops at the first halting
// failure and returns the partial result together with a *StageError.
func (r *Runner) Run(ctx context.Context, stages []Stage, subjects []string) (*Result, error) {
	ordered, err := orderStages(stages)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, st := range ordered {
		sr, err := r.RunStage(ctx, st, subjects)
		res.Stages = append(res.Stages, sr)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// RunStage applies st to each subject in order, invoking the action exactly
// once per subject that is not skipped.
func (r *Runner) RunStage(ctx context.Context, st Stage, subjects []string) (StageResult, error) {
	if st.Run == nil {
		return StageResult{Stage: st.Name}, fmt.Errorf("stage %s has no action", st.Name)
	}
	log := r.logger().With(zap.String("stage", st.Name))
	res := StageResult{Stage: st.Name}

	trace.SafeRecord(r.Trace, trace.TraceEvent{Kind: trace.EventStageStarted, Stage: st.Name})
	log.Info("stage started", zap.Int("subjects", len(subjects)), zap.String("policy", string(st.Policy)))

	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		slog := log.With(zap.String("subject", subject))

		var outputs []string
		if st.Outputs != nil {
			outputs = st.Outputs(subject)
		}
		if r.Mode == config.ModeIncremental && allExist(outputs) {
			slog.Info("outputs exist, skipping")
			res.Subjects = append(res.Subjects, SubjectOutcome{Subject: subject, Outcome: OutcomeSkipped})
			trace.SafeRecord(r.Trace, trace.TraceEvent{
				Kind: trace.EventSubjectSkipped, Stage: st.Name, Subject: subject,
				Reason: "OutputsExist", Outputs: outputs,
			})
			continue
		}

		slog.Info("processing subject")
		start := time.Now()
		err := st.Run(core.WithSink(ctx, logging.ProcessSink(slog)), subject)
		elapsed := time.Since(start)
		_ = slog.Sync()

		if err == nil {
			slog.Info("subject succeeded", zap.Duration("duration", elapsed))
			res.Subjects = append(res.Subjects, SubjectOutcome{Subject: subject, Outcome: OutcomeSucceeded, Duration: elapsed})
			trace.SafeRecord(r.Trace, trace.TraceEvent{
				Kind: trace.EventSubjectSucceeded, Stage: st.Name, Subject: subject, Outputs: outputs,
			})
			continue
		}

		// A cancelled run is not a subject failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		command := commandOf(st, err)
		halt := st.Policy != config.PolicyContinue
		res.Subjects = append(res.Subjects, SubjectOutcome{
			Subject: subject, Outcome: OutcomeFailed, Command: command, Err: err, Duration: elapsed,
		})
		trace.SafeRecord(r.Trace, trace.TraceEvent{
			Kind: trace.EventSubjectFailed, Stage: st.Name, Subject: subject,
			Reason: failureReason(err), Command: command,
		})
		r.recordFailure(slog, state.Failure{
			Stage: st.Name, Subject: subject, Command: command, Message: err.Error(), Halted: halt,
		})

		if halt {
			slog.Error("subject failed, halting", zap.String("command", command), zap.Duration("duration", elapsed), zap.Error(err))
			res.Halted = true
			trace.SafeRecord(r.Trace, trace.TraceEvent{
				Kind: trace.EventStageHalted, Stage: st.Name, Subject: subject, Reason: "HaltOnFailure",
			})
			return res, &StageError{Stage: st.Name, Subject: subject, Command: command, Err: err}
		}

		slog.Warn("subject failed, continuing", zap.String("command", command), zap.Duration("duration", elapsed), zap.Error(err))
		r.diagnose(command, subject)
	}

	log.Info("stage finished", zap.Int("failed", len(res.Failed())))
	return res, nil
}

func (r *Runner) diagnose(command, subject string) {
	if r.Diagnostics == nil {
		return
	}
	fmt.Fprintf(r.Diagnostics, "%s did not run successfully for subject %s.\n", command, subject)
	fmt.Fprintln(r.Diagnostics, "Please check the arguments, and rerun for subject.")
}

func (r *Runner) recordFailure(log *zap.Logger, f state.Failure) {
	if r.Ledger == nil {
		return
	}
	if err := r.Ledger.RecordFailure(f); err != nil {
		log.Warn("could not record failure in run ledger", zap.Error(err))
	}
}

func failureReason(err error) string {
	var missing *MissingInputError
	if errors.As(err, &missing) {
		return "MissingInput"
	}
	var exit *core.ExitError
	var call *toolkit.CallError
	if errors.As(err, &exit) || errors.As(err, &call) {
		return "ExitStatus"
	}
	return "Error"
}

func orderStages(stages []Stage) ([]Stage, error) {
	byName := make(map[string]Stage, len(stages))
	for _, st := range stages {
		if _, dup := byName[st.Name]; dup {
			return nil, fmt.Errorf("stage %s listed twice", st.Name)
		}
		byName[st.Name] = st
	}
	out := make([]Stage, 0, len(stages))
	for _, name := range config.StageOrder {
		if st, ok := byName[name]; ok {
			out = append(out, st)
			delete(byName, name)
		}
	}
	if len(out) != len(stages) {
		for _, st := range stages {
			if _, ok := byName[st.Name]; ok {
				return nil, fmt.Errorf("unknown stage %q", st.Name)
			}
		}
	}
	return out, nil
}
