// Package core provides the domain models and process plumbing shared by
// every pipeline stage.
//
// # Core Types
//
// Command: one external invocation (argv, environment overrides, stdin).
// ExecutionResult: exit code and captured output of a finished Command.
// ExitError: a Command that ran but exited non-zero.
//
// Subjects are plain identifiers; ResolveSubjects turns explicit ids and a
// directory pattern into the ordered list a run iterates over.
package core
