package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Stream names an output stream of a child process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineSink receives child output one line at a time, without the trailing
// newline. Stdout and stderr are delivered from different goroutines, so it
// must be safe for concurrent use.
type LineSink func(stream Stream, line string)

// ExecutionResult contains the results of a command execution.
type ExecutionResult struct {
	// Stdout is the captured standard output.
	Stdout []byte

	// Stderr is the captured standard error.
	Stderr []byte

	// ExitCode is the process exit code.
	// 0 indicates success, non-zero indicates failure.
	ExitCode int
}

// CommandExecutor runs external commands. Executor is the process-backed
// implementation; tests substitute fakes.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd *Command) (*ExecutionResult, error)
}

// killGrace bounds how long Execute keeps reading output after the process
// exits or ctx is cancelled. Helpers left running in the background that
// still hold the output pipes are killed once it elapses.
const killGrace = 5 * time.Second

// Executor runs commands as child processes.
type Executor struct {
	// Sink receives output lines as they are produced. Optional.
	Sink LineSink

	// BaseEnv is the environment that Command.Env overrides are applied to.
	// Nil means the current process environment.
	BaseEnv []string

	// WaitDelay overrides killGrace when positive.
	WaitDelay time.Duration
}

type sinkKey struct{}

// WithSink returns a context whose commands forward output to sink instead of
// the executor's own Sink. Callers use it to tag output with the stage and
// subject that produced it.
func WithSink(ctx context.Context, sink LineSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

func (e *Executor) sinkFor(ctx context.Context) LineSink {
	if s, ok := ctx.Value(sinkKey{}).(LineSink); ok && s != nil {
		return s
	}
	return e.Sink
}

// NewExecutor creates an Executor that forwards output lines to sink.
func NewExecutor(sink LineSink) *Executor {
	return &Executor{Sink: sink}
}

// Execute runs the command and blocks until it exits.
//
// The child runs in its own process group; when ctx is cancelled the whole
// group is killed, so helpers spawned by the external tool do not outlive
// the run. Output is read for at most WaitDelay after the child exits, and
// whatever is left in the group afterwards is killed. A non-zero exit status
// is reported through ExitCode with a nil error. An error is returned only when the process
// could not be started or waited for, or ctx was cancelled.
func (e *Executor) Execute(ctx context.Context, c *Command) (*ExecutionResult, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(e.baseEnv(), c.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = e.waitDelay()
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	sink := e.sinkFor(ctx)
	stdout := &lineWriter{stream: StreamStdout, sink: sink}
	stderr := &lineWriter{stream: StreamStderr, sink: sink}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Argv[0], err)
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	// Reap anything the tool left behind in its group, such as a helper
	// that kept the output pipes open past WaitDelay.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("execution cancelled: %w", ctxErr)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("failed to execute %s: %w", c.Argv[0], waitErr)
		}
	}

	return &ExecutionResult{
		Stdout:   stdout.buf.Bytes(),
		Stderr:   stderr.buf.Bytes(),
		ExitCode: exitCode,
	}, nil
}

func (e *Executor) waitDelay() time.Duration {
	if e.WaitDelay > 0 {
		return e.WaitDelay
	}
	return killGrace
}

func (e *Executor) baseEnv() []string {
	if e.BaseEnv != nil {
		return e.BaseEnv
	}
	return os.Environ()
}

// lineWriter captures one output stream and hands every complete line to
// sink as it arrives. exec.Cmd copies each stream from its own goroutine, so
// a lineWriter is only ever written by one goroutine at a time.
type lineWriter struct {
	stream  Stream
	sink    LineSink
	buf     bytes.Buffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.sink == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.sink(w.stream, strings.TrimRight(string(w.pending[:i]), "\r"))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	if w.sink != nil && len(w.pending) > 0 {
		w.sink(w.stream, strings.TrimRight(string(w.pending), "\r"))
	}
	w.pending = nil
}

// buildEnv applies overrides on top of base and returns a sorted KEY=VALUE
// list. Later entries in base win over earlier ones, overrides win over both.
func buildEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+merged[k])
	}
	return result
}
