package cli

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"megprep/internal/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath     string
	subjectsDir    string
	subjects       []string
	subjectPattern string
	mode           string
	tracePath      string
	freesurferHome string
	python         string
	verbose        bool
	logJSON        bool
	noLedger       bool
}

// NewRootCommand builds the megprep command tree. The outcome of the last
// executed command is stored in *out.
func (a *App) NewRootCommand(out *CLIResult) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "megprep",
		Short: "MEG/EEG source-modelling preprocessing for a batch of subjects",
		Long: `megprep prepares everything a source estimate needs, subject by subject:
cortical surfaces (FreeSurfer recon-all), the BEM model and solution,
co-registration scalp surfaces, the source space, the merged raw recording,
the empty-room noise covariance and the forward solution.

Stages run in that order. Use one subcommand per stage, or "run" for every
stage enabled in the pipeline file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout())
	root.SetErr(a.stderr())

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "pipeline configuration file (YAML)")
	pf.StringVarP(&opts.subjectsDir, "subjects-dir", "d", "", "subjects directory (default $SUBJECTS_DIR)")
	pf.StringSliceVarP(&opts.subjects, "subject", "s", nil, "subject id (repeatable)")
	pf.StringVar(&opts.subjectPattern, "subject-pattern", "", "glob matched against directories in the subjects directory")
	pf.StringVar(&opts.mode, "mode", string(config.ModeClean), "execution mode: clean|incremental")
	pf.StringVar(&opts.tracePath, "trace", "", "write the canonical JSON run trace to this path")
	pf.StringVar(&opts.freesurferHome, "freesurfer-home", "", "FreeSurfer installation (default $FREESURFER_HOME)")
	pf.StringVar(&opts.python, "python", "", "python interpreter with MNE installed")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging, including tool output")
	pf.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	pf.BoolVar(&opts.noLedger, "no-ledger", false, "do not record the run under <subjects-dir>/.megprep")

	for _, sc := range stageCommands() {
		root.AddCommand(a.newStageCommand(opts, out, sc))
	}
	root.AddCommand(a.newRunCommand(opts, out))
	root.AddCommand(a.newRunsCommand(opts))
	root.AddCommand(a.newConfigCommand(opts))
	return root
}

// prepare loads configuration and applies the persistent flags the user set.
func prepare(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("subjects-dir") {
		if cfg.SubjectsDir, err = absPath(opts.subjectsDir); err != nil {
			return nil, invalidInvocationf("%v", err)
		}
	}
	if flags.Changed("subject") {
		cfg.Subjects = opts.subjects
	}
	if flags.Changed("subject-pattern") {
		cfg.SubjectPattern = opts.subjectPattern
	}
	if flags.Changed("mode") {
		m := config.Mode(strings.ToLower(strings.TrimSpace(opts.mode)))
		if m != config.ModeClean && m != config.ModeIncremental {
			return nil, invalidInvocationf("invalid --mode %q (expected clean|incremental)", opts.mode)
		}
		cfg.Mode = m
	}
	if flags.Changed("trace") {
		if cfg.Trace, err = absPath(opts.tracePath); err != nil {
			return nil, invalidInvocationf("%v", err)
		}
	}
	if flags.Changed("freesurfer-home") {
		cfg.FreesurferHome = opts.freesurferHome
	}
	if flags.Changed("python") {
		cfg.Python = opts.python
	}
	if opts.noLedger {
		cfg.Ledger = false
	}
	return cfg, nil
}

// Run parses args (excluding argv[0]), executes the selected command and
// returns the semantic exit code plus any error.
func (a *App) Run(ctx context.Context, args []string) (CLIResult, error) {
	var out CLIResult
	root := a.NewRootCommand(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var oe *ownError
		if errors.As(err, &oe) {
			out.ExitCode = ExitCode(oe.err)
			return out, oe.err
		}
		// Errors raised by cobra itself are flag or argument problems.
		out.ExitCode = ExitInvalidInvocation
		return out, err
	}
	out.ExitCode = ExitSuccess
	return out, nil
}

// ownError marks errors produced by command handlers so Run can tell them
// apart from cobra's parse errors.
type ownError struct{ err error }

func (e *ownError) Error() string { return e.err.Error() }
func (e *ownError) Unwrap() error { return e.err }

func own(err error) error {
	if err == nil {
		return nil
	}
	return &ownError{err: err}
}

// Run is a convenience entrypoint wired to the real tools.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	return NewApp(stdout, stderr).Run(ctx, args)
}

// intFlag applies an int flag to dst when set.
func intFlag(fs *pflag.FlagSet, name string, v int, dst *int) {
	if fs.Changed(name) {
		*dst = v
	}
}

func stringFlag(fs *pflag.FlagSet, name, v string, dst *string) {
	if fs.Changed(name) {
		*dst = v
	}
}

func boolFlag(fs *pflag.FlagSet, name string, v bool, dst *bool) {
	if fs.Changed(name) {
		*dst = v
	}
}
