package cli_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	icl "megprep/internal/cli"
	"megprep/internal/config"
	"megprep/internal/core"
	"megprep/internal/pipeline"
	"megprep/internal/state"
	"megprep/internal/toolkit"
)

// recordingToolkit records requests and fails operations for chosen subjects.
type recordingToolkit struct {
	bemModels []toolkit.BEMModelRequest
	scalps    []toolkit.ScalpRequest
	calls     int
	failFor   map[string]bool
}

func (r *recordingToolkit) result(subject string) error {
	r.calls++
	if r.failFor[subject] {
		return &toolkit.CallError{Op: "fake", ExitCode: 1}
	}
	return nil
}

func (r *recordingToolkit) WatershedBEM(_ context.Context, req toolkit.WatershedRequest) error {
	return r.result(req.Subject)
}

func (r *recordingToolkit) BEMModel(_ context.Context, req toolkit.BEMModelRequest) error {
	r.bemModels = append(r.bemModels, req)
	return r.result(req.Subject)
}

func (r *recordingToolkit) BEMSolution(context.Context, toolkit.BEMSolutionRequest) error {
	return r.result("")
}

func (r *recordingToolkit) ScalpSurfaces(_ context.Context, req toolkit.ScalpRequest) error {
	r.scalps = append(r.scalps, req)
	return r.result(req.Subject)
}

func (r *recordingToolkit) SourceSpace(_ context.Context, req toolkit.SourceSpaceRequest) error {
	return r.result(req.Subject)
}

func (r *recordingToolkit) ConcatenateRaws(context.Context, toolkit.ConcatenateRequest) error {
	return r.result("")
}

func (r *recordingToolkit) RawCovariance(context.Context, toolkit.CovarianceRequest) error {
	return r.result("")
}

func (r *recordingToolkit) ForwardSolution(context.Context, toolkit.ForwardRequest) error {
	return r.result("")
}

func newTestApp(tk *recordingToolkit) (*icl.App, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	app := icl.NewApp(&stdout, &stderr)
	app.Logger = zap.NewNop()
	app.NewToolkit = func(*config.Config, core.CommandExecutor) toolkit.Toolkit { return tk }
	return app, &stdout, &stderr
}

func subjectsDir(t *testing.T, ids ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0o755))
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRun_ScalpContinuesPastFailures(t *testing.T) {
	dir := subjectsDir(t)
	tk := &recordingToolkit{failFor: map[string]bool{"s2": true}}
	app, stdout, stderr := newTestApp(tk)

	res, err := app.Run(context.Background(), []string{"scalp", "-d", dir, "-s", "s1,s2", "-s", "s3"})
	require.Error(t, err)
	assert.Equal(t, icl.ExitStageFailure, res.ExitCode)
	assert.Len(t, tk.scalps, 3)
	assert.Empty(t, stderr.String())
	assert.Contains(t, stdout.String(), "mne_make_scalp_surfaces did not run successfully for subject s2.\nPlease check the arguments, and rerun for subject.\n")
	assert.Equal(t, 2, res.Result.Count(pipeline.OutcomeSucceeded))
}

func TestRun_BEMHaltsAndRecordsLedgerAndTrace(t *testing.T) {
	dir := subjectsDir(t)
	tracePath := filepath.Join(t.TempDir(), "trace.json")
	tk := &recordingToolkit{failFor: map[string]bool{"s2": true}}
	app, stdout, stderr := newTestApp(tk)

	res, err := app.Run(context.Background(), []string{"bem", "-d", dir, "-s", "s1,s2,s3", "--trace", tracePath})
	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, icl.ExitStageFailure, res.ExitCode)
	assert.Equal(t, "s2", se.Subject)
	assert.Equal(t, toolkit.OpWatershedBEM, se.Command)
	assert.Len(t, tk.bemModels, 1)
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())

	store, err := state.NewStore(dir)
	require.NoError(t, err)
	run, err := store.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, run.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, run.Subjects)
	failures, err := store.LoadFailures(res.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Halted)

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"StageHalted"`)
}

func TestRun_FlagsOverrideConfigOnlyWhenSet(t *testing.T) {
	dir := subjectsDir(t)
	cfgPath := filepath.Join(t.TempDir(), "pipeline.yaml")
	writeFile(t, cfgPath, "subjects_dir: "+dir+"\nsubjects: [s1]\nbem:\n  ico: 5\nledger: false\n")

	tk := &recordingToolkit{}
	app, _, _ := newTestApp(tk)
	res, err := app.Run(context.Background(), []string{"bem", "--config", cfgPath})
	require.NoError(t, err)
	assert.Equal(t, icl.ExitSuccess, res.ExitCode)
	require.Len(t, tk.bemModels, 1)
	assert.Equal(t, 5, *tk.bemModels[0].Ico)
	assert.Empty(t, res.RunID)
	_, err = os.Stat(filepath.Join(dir, state.LedgerDir))
	assert.True(t, os.IsNotExist(err))

	tk = &recordingToolkit{}
	app, _, _ = newTestApp(tk)
	_, err = app.Run(context.Background(), []string{"bem", "--config", cfgPath, "--ico", "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, *tk.bemModels[0].Ico)
	assert.Equal(t, "s1-1280-1280-1280-bem.fif", filepath.Base(tk.bemModels[0].Output))
}

func TestRun_RunCommandUsesEnabledStagesAndPattern(t *testing.T) {
	dir := subjectsDir(t, "20140305", "20140306", "fsaverage")
	cfgPath := filepath.Join(t.TempDir(), "pipeline.yaml")
	writeFile(t, cfgPath, `subjects_dir: `+dir+`
subject_pattern: "2014*"
stages:
  scalp:
    enabled: true
`)

	tk := &recordingToolkit{}
	app, stdout, _ := newTestApp(tk)
	res, err := app.Run(context.Background(), []string{"run", "--config", cfgPath, "--stage", "source-space"})
	require.NoError(t, err)
	assert.Equal(t, icl.ExitSuccess, res.ExitCode)
	require.Len(t, res.Result.Stages, 2)
	assert.Equal(t, "scalp", res.Result.Stages[0].Stage)
	assert.Equal(t, "source-space", res.Result.Stages[1].Stage)
	require.Len(t, tk.scalps, 2)
	assert.Equal(t, "20140305", tk.scalps[0].Subject)

	_, err = app.Run(context.Background(), []string{"runs", "-d", dir})
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), res.RunID)
	assert.Contains(t, stdout.String(), "succeeded")
}

func TestRun_ConfigCommandPrintsLoadableConfig(t *testing.T) {
	dir := subjectsDir(t)
	cfgPath := filepath.Join(t.TempDir(), "pipeline.yaml")
	writeFile(t, cfgPath, "subjects_dir: "+dir+"\nbem:\n  ico: 5\n")

	tk := &recordingToolkit{}
	app, stdout, _ := newTestApp(tk)
	res, err := app.Run(context.Background(), []string{"config", "--config", cfgPath, "-s", "s2", "--mode", "incremental"})
	require.NoError(t, err)
	assert.Equal(t, icl.ExitSuccess, res.ExitCode)
	assert.Zero(t, tk.calls)

	effective := filepath.Join(t.TempDir(), "effective.yaml")
	writeFile(t, effective, stdout.String())
	cfg, err := config.Load(effective)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.SubjectsDir)
	assert.Equal(t, []string{"s2"}, cfg.Subjects)
	assert.Equal(t, config.ModeIncremental, cfg.Mode)
	assert.Equal(t, 5, cfg.BEM.Ico)

	app, _, _ = newTestApp(tk)
	res, err = app.Run(context.Background(), []string{"config", "-d", dir, "--ico", "7"})
	require.Error(t, err)
	assert.Equal(t, icl.ExitInvalidInvocation, res.ExitCode)
}

func TestRun_IncrementalSkipsFinishedSubjects(t *testing.T) {
	dir := subjectsDir(t)
	for _, d := range []string{"dense", "medium", "sparse"} {
		writeFile(t, filepath.Join(dir, "s1", "bem", "s1-head-"+d+".fif"), "x")
	}
	tk := &recordingToolkit{}
	app, _, _ := newTestApp(tk)
	res, err := app.Run(context.Background(), []string{"scalp", "-d", dir, "-s", "s1,s2", "--mode", "incremental", "--no-ledger"})
	require.NoError(t, err)
	require.Len(t, tk.scalps, 1)
	assert.Equal(t, "s2", tk.scalps[0].Subject)
	assert.Equal(t, 1, res.Result.Count(pipeline.OutcomeSkipped))
}

func TestRun_InvocationErrors(t *testing.T) {
	dir := subjectsDir(t)
	cases := map[string][]string{
		"unknown flag":    {"bem", "--bogus"},
		"invalid mode":    {"bem", "-d", dir, "-s", "s1", "--mode", "resume"},
		"no subjects":     {"bem", "-d", dir},
		"no stages":       {"run", "-d", dir, "-s", "s1"},
		"unknown stage":   {"run", "-d", dir, "-s", "s1", "--stage", "inverse"},
		"positional arg":  {"bem", "extra"},
		"unknown command": {"inverse"},
		"path subject id": {"bem", "-d", dir, "-s", "../x"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			app, _, _ := newTestApp(&recordingToolkit{})
			res, err := app.Run(context.Background(), args)
			require.Error(t, err)
			assert.Equal(t, icl.ExitInvalidInvocation, res.ExitCode)
		})
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	dir := subjectsDir(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, bad, "subjects_dir: "+dir+"\nbogus_key: 1\n")

	cases := map[string][]string{
		"missing file": {"bem", "--config", filepath.Join(dir, "nope.yaml"), "-s", "s1"},
		"unknown key":  {"bem", "--config", bad, "-s", "s1"},
		"invalid ico":  {"bem", "-d", dir, "-s", "s1", "--ico", "7"},
		"no subj dir":  {"bem", "-s", "s1"},
	}
	t.Setenv("SUBJECTS_DIR", "")
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			app, _, _ := newTestApp(&recordingToolkit{})
			res, err := app.Run(context.Background(), args)
			require.Error(t, err)
			assert.Equal(t, icl.ExitConfigError, res.ExitCode)
		})
	}
}

func TestRun_SurfacesWithoutFreeSurferIsConfigError(t *testing.T) {
	t.Setenv("FREESURFER_HOME", "")
	dir := subjectsDir(t)
	app, _, _ := newTestApp(&recordingToolkit{})
	res, err := app.Run(context.Background(), []string{"surfaces", "-d", dir, "-s", "s1"})
	require.Error(t, err)
	assert.Equal(t, icl.ExitConfigError, res.ExitCode)
}

func TestRun_SurfacesRunsReconAll(t *testing.T) {
	home := t.TempDir()
	dir := subjectsDir(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	writeFile(t, filepath.Join(home, "bin", "recon-all"), "#!/bin/sh\necho \"$@ $SUBJECTS_DIR\" >> "+argsFile+"\n")
	require.NoError(t, os.Chmod(filepath.Join(home, "bin", "recon-all"), 0o755))

	app, _, _ := newTestApp(&recordingToolkit{})
	res, err := app.Run(context.Background(), []string{"surfaces", "-d", dir, "-s", "s1,s2", "--freesurfer-home", home, "--parallel=false"})
	require.NoError(t, err)
	assert.Equal(t, icl.ExitSuccess, res.ExitCode)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"-autorecon-all -subjid s1 " + dir,
		"-autorecon-all -subjid s2 " + dir,
	}, lines)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, icl.ExitSuccess, icl.ExitCode(nil))
	assert.Equal(t, icl.ExitStageFailure, icl.ExitCode(&pipeline.StageError{Err: errors.New("x")}))
	assert.Equal(t, icl.ExitStageFailure, icl.ExitCode(&icl.SubjectsFailedError{Failed: 2}))
	assert.Equal(t, icl.ExitStageFailure, icl.ExitCode(context.Canceled))
	assert.Equal(t, icl.ExitConfigError, icl.ExitCode(&icl.InvocationError{ExitCode: icl.ExitConfigError}))
	assert.Equal(t, icl.ExitInvalidInvocation, icl.ExitCode(&icl.InvocationError{}))
	assert.Equal(t, icl.ExitInternalError, icl.ExitCode(errors.New("boom")))
}
