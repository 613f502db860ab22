package core

import (
	"fmt"
	"strings"
)

// Command is a single external invocation.
//
// Argv is executed directly, without a shell. Env holds overrides applied on
// top of the parent environment; the parent process environment itself is
// never modified.
type Command struct {
	// Name identifies the command in diagnostics (e.g. "recon-all").
	Name string

	// Argv is the program followed by its arguments.
	Argv []string

	// Env overrides parent environment variables for this invocation only.
	Env map[string]string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Stdin is fed to the process when non-nil.
	Stdin []byte
}

// String renders the argv for logs.
func (c *Command) String() string {
	if c == nil {
		return ""
	}
	return strings.Join(c.Argv, " ")
}

func (c *Command) validate() error {
	if c == nil {
		return fmt.Errorf("command is nil")
	}
	if len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return fmt.Errorf("command %q has no program", c.Name)
	}
	return nil
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
}

const stderrTailBytes = 2048

// CheckExit folds a non-zero ExecutionResult into an *ExitError so callers
// can treat every failure as an error.
func CheckExit(cmd *Command, res *ExecutionResult, err error) error {
	if err != nil {
		return err
	}
	if res == nil || res.ExitCode == 0 {
		return nil
	}
	name := ""
	if cmd != nil {
		name = cmd.Name
	}
	return &ExitError{Command: name, ExitCode: res.ExitCode, Stderr: Tail(res.Stderr, stderrTailBytes)}
}

// Tail returns at most n trailing bytes of b, trimmed of surrounding whitespace.
func Tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
