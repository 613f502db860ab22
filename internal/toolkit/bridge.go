package toolkit

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"megprep/internal/core"
)

//go:embed bridge.py
var bridgeScript string

const stderrTailBytes = 4096

// CallError reports an operation that the Python process could not complete.
type CallError struct {
	Op       string
	ExitCode int
	Stderr   string
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Op, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Op, e.ExitCode)
}

// request is the JSON document written to the bridge's stdin.
type request struct {
	Op   string `json:"op"`
	Args any    `json:"args"`
}

// Bridge runs each operation in a fresh Python process:
//
//	<python> -c <bridge script>   (request JSON on stdin)
//
// One process per call keeps subjects independent; a crash in the toolkit
// takes down only the call that caused it.
type Bridge struct {
	// Python is the interpreter with MNE installed.
	Python string

	// SubjectsDir and FreesurferHome are exported to the child when set.
	SubjectsDir    string
	FreesurferHome string

	Executor core.CommandExecutor
}

// NewBridge returns a Bridge for the given interpreter and directories.
func NewBridge(python, subjectsDir, freesurferHome string, exec core.CommandExecutor) *Bridge {
	return &Bridge{
		Python:         python,
		SubjectsDir:    subjectsDir,
		FreesurferHome: freesurferHome,
		Executor:       exec,
	}
}

var _ Toolkit = (*Bridge)(nil)

func (b *Bridge) WatershedBEM(ctx context.Context, req WatershedRequest) error {
	return b.call(ctx, OpWatershedBEM, req)
}

func (b *Bridge) BEMModel(ctx context.Context, req BEMModelRequest) error {
	return b.call(ctx, OpBEMModel, req)
}

func (b *Bridge) BEMSolution(ctx context.Context, req BEMSolutionRequest) error {
	return b.call(ctx, OpBEMSolution, req)
}

func (b *Bridge) ScalpSurfaces(ctx context.Context, req ScalpRequest) error {
	return b.call(ctx, OpScalpSurfaces, req)
}

func (b *Bridge) SourceSpace(ctx context.Context, req SourceSpaceRequest) error {
	return b.call(ctx, OpSourceSpace, req)
}

func (b *Bridge) ConcatenateRaws(ctx context.Context, req ConcatenateRequest) error {
	if len(req.Inputs) == 0 {
		return errors.New("concatenate_raws: no inputs")
	}
	return b.call(ctx, OpConcatenateRaws, req)
}

func (b *Bridge) RawCovariance(ctx context.Context, req CovarianceRequest) error {
	return b.call(ctx, OpRawCovariance, req)
}

func (b *Bridge) ForwardSolution(ctx context.Context, req ForwardRequest) error {
	return b.call(ctx, OpForward, req)
}

// Command builds the process invocation for op without running it.
func (b *Bridge) Command(op string, args any) (*core.Command, error) {
	payload, err := json.Marshal(request{Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", op, err)
	}
	python := b.Python
	if python == "" {
		python = "python3"
	}
	return &core.Command{
		Name:  op,
		Argv:  []string{python, "-c", bridgeScript},
		Env:   b.env(),
		Stdin: payload,
	}, nil
}

func (b *Bridge) call(ctx context.Context, op string, args any) error {
	if b.Executor == nil {
		return fmt.Errorf("%s: nil executor", op)
	}
	cmd, err := b.Command(op, args)
	if err != nil {
		return err
	}
	res, err := b.Executor.Execute(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.ExitCode != 0 {
		return &CallError{Op: op, ExitCode: res.ExitCode, Stderr: core.Tail(res.Stderr, stderrTailBytes)}
	}
	return nil
}

func (b *Bridge) env() map[string]string {
	env := map[string]string{
		// Stream progress lines as they happen instead of at exit.
		"PYTHONUNBUFFERED": "1",
		"MPLBACKEND":       "Agg",
	}
	if b.SubjectsDir != "" {
		env["SUBJECTS_DIR"] = b.SubjectsDir
	}
	if b.FreesurferHome != "" {
		env["FREESURFER_HOME"] = b.FreesurferHome
	}
	return env
}
