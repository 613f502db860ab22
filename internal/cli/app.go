package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"megprep/internal/config"
	"megprep/internal/core"
	"megprep/internal/freesurfer"
	"megprep/internal/logging"
	"megprep/internal/pipeline"
	"megprep/internal/state"
	"megprep/internal/toolkit"
	"megprep/internal/trace"
)

// CLIResult is what a command invocation produced.
type CLIResult struct {
	ExitCode int
	Result   *pipeline.Result
	RunID    string
}

// App holds the process boundary of the CLI. Tests replace the factories
// to run the pipeline against fakes.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	// Logger overrides the logger built from configuration.
	Logger *zap.Logger

	NewToolkit       func(cfg *config.Config, exec core.CommandExecutor) toolkit.Toolkit
	NewReconstructor func(cfg *config.Config, exec core.CommandExecutor) (pipeline.Reconstructor, error)
}

// NewApp returns an App wired to the real external tools.
func NewApp(stdout, stderr io.Writer) *App {
	return &App{
		Stdout:           stdout,
		Stderr:           stderr,
		NewToolkit:       defaultToolkit,
		NewReconstructor: defaultReconstructor,
	}
}

func defaultToolkit(cfg *config.Config, exec core.CommandExecutor) toolkit.Toolkit {
	return toolkit.NewBridge(cfg.Python, cfg.SubjectsDir, cfg.FreesurferHome, exec)
}

func defaultReconstructor(cfg *config.Config, exec core.CommandExecutor) (pipeline.Reconstructor, error) {
	home, err := freesurfer.ResolveHome(cfg.FreesurferHome)
	if err != nil {
		return nil, err
	}
	r := freesurfer.New(home, cfg.SubjectsDir, exec)
	r.Directive = cfg.Surfaces.Directive
	r.Parallel = cfg.Surfaces.Parallel
	return r, nil
}

func (a *App) stderr() io.Writer {
	if a.Stderr == nil {
		return io.Discard
	}
	return a.Stderr
}

func (a *App) stdout() io.Writer {
	if a.Stdout == nil {
		return io.Discard
	}
	return a.Stdout
}

func (a *App) logger(cfg *config.Config, opts *rootOptions) (*zap.Logger, error) {
	if a.Logger != nil {
		return a.Logger, nil
	}
	format := cfg.Logging.Format
	if opts.logJSON {
		format = "json"
	}
	return logging.New(logging.Options{Level: cfg.Logging.Level, Format: format, Verbose: opts.verbose})
}

// execute runs the named stages (or every enabled stage when names is nil)
// for the configured subjects.
func (a *App) execute(ctx context.Context, cfg *config.Config, opts *rootOptions, names []string) (res CLIResult, err error) {
	res.ExitCode = ExitInternalError
	defer func() {
		res.ExitCode = ExitCode(err)
	}()

	if names == nil {
		names = cfg.EnabledStages()
	}
	if len(names) == 0 {
		return res, invalidInvocationf("no stages enabled (enable stages in the config file or name them with --stage)")
	}
	if err := cfg.Validate(); err != nil {
		return res, configErrorf("invalid configuration: %v", err)
	}

	logger, err := a.logger(cfg, opts)
	if err != nil {
		return res, configErrorf("%v", err)
	}
	defer func() { _ = logger.Sync() }()

	subjects, err := core.ResolveSubjects(cfg.SubjectsDir, cfg.Subjects, cfg.SubjectPattern)
	if err != nil {
		if errors.Is(err, core.ErrNoSubjects) {
			return res, invalidInvocationf("%v (use --subject or --subject-pattern)", err)
		}
		return res, invalidInvocationf("%v", err)
	}

	exec := core.NewExecutor(logging.ProcessSink(logger))
	builder := &pipeline.Builder{Config: cfg}
	if a.NewToolkit != nil {
		builder.Toolkit = a.NewToolkit(cfg, exec)
	}
	if contains(names, config.StageSurfaces) && a.NewReconstructor != nil {
		recon, err := a.NewReconstructor(cfg, exec)
		if err != nil {
			return res, configErrorf("%v", err)
		}
		builder.Reconstructor = recon
	}
	stages, err := builder.Stages(names)
	if err != nil {
		return res, configErrorf("%v", err)
	}

	planHash, err := pipeline.PlanHash(cfg, stages, subjects)
	if err != nil {
		return res, err
	}

	var ledger *state.Ledger
	if cfg.Ledger {
		ledger, err = a.startLedger(cfg, stages, subjects, planHash)
		if err != nil {
			logger.Warn("run ledger disabled", zap.Error(err))
		} else {
			res.RunID = ledger.RunID()
			logger = logger.With(zap.String("run_id", ledger.RunID()))
		}
	}

	recorder := trace.NewRecorder()
	runner := &pipeline.Runner{
		Logger:      logger,
		Trace:       recorder,
		Mode:        cfg.Mode,
		Diagnostics: a.stdout(),
	}
	if ledger != nil {
		runner.Ledger = ledger
	}

	logger.Info("pipeline started",
		zap.Strings("stages", pipeline.StageNames(stages)),
		zap.Strings("subjects", subjects),
		zap.String("mode", string(cfg.Mode)))

	result, runErr := runner.Run(ctx, stages, subjects)
	res.Result = result

	if cfg.Trace != "" {
		if werr := trace.WriteFile(cfg.Trace, recorder.Trace(planHash)); werr != nil {
			logger.Warn("could not write trace", zap.String("path", cfg.Trace), zap.Error(werr))
		}
	}

	if runErr == nil && result.Failed() {
		runErr = &SubjectsFailedError{Failed: result.Count(pipeline.OutcomeFailed)}
	}

	status := state.RunStatusSucceeded
	if runErr != nil {
		status = state.RunStatusFailed
	}
	if ledger != nil {
		if ferr := ledger.Finish(status); ferr != nil {
			logger.Warn("could not close run ledger", zap.Error(ferr))
		}
	}

	logger.Info("pipeline finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", result.Count(pipeline.OutcomeSucceeded)),
		zap.Int("skipped", result.Count(pipeline.OutcomeSkipped)),
		zap.Int("failed", result.Count(pipeline.OutcomeFailed)))
	return res, runErr
}

func (a *App) startLedger(cfg *config.Config, stages []pipeline.Stage, subjects []string, planHash string) (*state.Ledger, error) {
	store, err := state.NewStore(cfg.SubjectsDir)
	if err != nil {
		return nil, err
	}
	return state.StartRun(store, state.Run{
		PlanHash: planHash,
		Mode:     string(cfg.Mode),
		Stages:   pipeline.StageNames(stages),
		Subjects: subjects,
	})
}

// loadConfig reads the config file when given, else starts from defaults,
// then fills directories from the environment.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, configErrorf("config file not found: %s", path)
			}
			return nil, configErrorf("%v", err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func absPath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
