package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megprep/internal/config"
	"megprep/internal/toolkit"
)

func newBuilder(t *testing.T) (*Builder, *fakeToolkit, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SubjectsDir = dir
	tk := &fakeToolkit{}
	return &Builder{Config: cfg, Toolkit: tk, Reconstructor: &fakeRecon{dir: dir}}, tk, dir
}

func TestBuilder_StagesInPipelineOrderWithDefaultPolicies(t *testing.T) {
	b, _, _ := newBuilder(t)
	stages, err := b.Stages([]string{"forward", "scalp", "surfaces", "bem"})
	require.NoError(t, err)
	assert.Equal(t, []string{"surfaces", "bem", "scalp", "forward"}, StageNames(stages))
	assert.Equal(t, config.PolicyContinue, stages[0].Policy)
	assert.Equal(t, config.PolicyHalt, stages[1].Policy)
	assert.Equal(t, config.PolicyContinue, stages[2].Policy)
	assert.Equal(t, config.PolicyHalt, stages[3].Policy)

	_, err = b.Stages([]string{"inverse"})
	assert.Error(t, err)
}

func TestBEMStage_RunsThreeStepsWithDefaults(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageBEM)
	require.NoError(t, err)
	require.NoError(t, st.Run(context.Background(), "20140305"))

	assert.Equal(t, []string{toolkit.OpWatershedBEM, toolkit.OpBEMModel, toolkit.OpBEMSolution}, tk.ops())

	surf := filepath.Join(dir, "20140305", "bem", "20140305-5120-5120-5120-bem.fif")
	sol := filepath.Join(dir, "20140305", "bem", "20140305-5120-5120-5120-bem-sol.fif")
	ico := 4
	want := toolkit.BEMModelRequest{
		Subject:      "20140305",
		SubjectsDir:  dir,
		Ico:          &ico,
		Conductivity: []float64{0.3, 0.006, 0.3},
		Output:       surf,
	}
	if diff := cmp.Diff(want, tk.calls[1].Req); diff != "" {
		t.Fatalf("bem model request mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, toolkit.BEMSolutionRequest{Surfaces: surf, Output: sol}, tk.calls[2].Req)
	assert.Equal(t, []string{surf, sol}, st.Outputs("20140305"))
}

func TestBEMStage_FailingStepNamesItsCommand(t *testing.T) {
	b, tk, _ := newBuilder(t)
	tk.fail = map[string]error{toolkit.OpBEMModel: errors.New("exit 1")}
	st, err := b.Stage(config.StageBEM)
	require.NoError(t, err)

	err = st.Run(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, toolkit.OpBEMModel, commandOf(st, err))
	assert.Equal(t, []string{toolkit.OpWatershedBEM, toolkit.OpBEMModel}, tk.ops())
}

func TestBEMStage_IcoZeroSendsNull(t *testing.T) {
	b, tk, _ := newBuilder(t)
	b.Config.BEM.Ico = 0
	b.Config.BEM.Conductivity = []float64{0.3}
	st, err := b.Stage(config.StageBEM)
	require.NoError(t, err)
	require.NoError(t, st.Run(context.Background(), "s1"))

	req := tk.calls[1].Req.(toolkit.BEMModelRequest)
	assert.Nil(t, req.Ico)
	assert.Equal(t, "s1-full-bem.fif", filepath.Base(req.Output))
}

func TestSourceSpaceStage_Defaults(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageSourceSpace)
	require.NoError(t, err)
	require.NoError(t, st.Run(context.Background(), "s1"))

	want := toolkit.SourceSpaceRequest{
		Subject:     "s1",
		SubjectsDir: dir,
		Spacing:     "ico5",
		Surface:     "white",
		NJobs:       2,
		Output:      filepath.Join(dir, "s1", "s1-ico5-src.fif"),
	}
	assert.Equal(t, want, tk.calls[0].Req)
}

func TestScalpStage_ForcesAndOverwrites(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageScalp)
	require.NoError(t, err)
	require.NoError(t, st.Run(context.Background(), "s1"))
	assert.Equal(t, toolkit.ScalpRequest{Subject: "s1", SubjectsDir: dir, Force: true, Overwrite: true}, tk.calls[0].Req)
	assert.Len(t, st.Outputs("s1"), 3)
}

func TestRawMergeStage_RequiresSegments(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageRawMerge)
	require.NoError(t, err)

	err = st.Run(context.Background(), "s1")
	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "MissingInput", failureReason(err))
	assert.Empty(t, tk.calls)

	b3 := filepath.Join(dir, "s1", "s1_block3_raw.fif")
	b4 := filepath.Join(dir, "s1", "s1_block4_raw.fif")
	touch(t, b3, b4)
	require.NoError(t, st.Run(context.Background(), "s1"))
	assert.Equal(t, toolkit.ConcatenateRequest{
		Inputs: []string{b3, b4},
		Output: filepath.Join(dir, "s1", "s1_passive_raw.fif"),
	}, tk.calls[0].Req)
}

func TestNoiseCovStage(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageNoiseCov)
	require.NoError(t, err)

	empty := filepath.Join(dir, "s1", "s1_empty_raw.fif")
	touch(t, empty)
	require.NoError(t, st.Run(context.Background(), "s1"))
	assert.Equal(t, toolkit.CovarianceRequest{
		Input:  empty,
		NJobs:  3,
		Output: filepath.Join(dir, "s1", "s1_dev-cov.fif"),
	}, tk.calls[0].Req)
}

func TestForwardStage(t *testing.T) {
	b, tk, dir := newBuilder(t)
	st, err := b.Stage(config.StageForward)
	require.NoError(t, err)

	require.ErrorAs(t, st.Run(context.Background(), "s1"), new(*MissingInputError))

	info := filepath.Join(dir, "s1", "s1_passive_raw.fif")
	trans := filepath.Join(dir, "s1", "s1-trans.fif")
	src := filepath.Join(dir, "s1", "s1-ico5-src.fif")
	sol := filepath.Join(dir, "s1", "bem", "s1-5120-5120-5120-bem-sol.fif")
	touch(t, info, trans, src, sol)

	require.NoError(t, st.Run(context.Background(), "s1"))
	want := toolkit.ForwardRequest{
		Info: info, Trans: trans, Src: src, BEM: sol,
		MEG: true, EEG: false, MinDist: 0.5, NJobs: 3, SurfOri: true,
		Output: filepath.Join(dir, "s1", "s1_ico-5_dev-fwd.fif"),
	}
	if diff := cmp.Diff(want, tk.calls[0].Req); diff != "" {
		t.Fatalf("forward request mismatch (-want +got):\n%s", diff)
	}
}

func TestSurfacesStage_UsesReconstructor(t *testing.T) {
	b, _, _ := newBuilder(t)
	recon := b.Reconstructor.(*fakeRecon)
	recon.fail = map[string]bool{"s2": true}
	st, err := b.Stage(config.StageSurfaces)
	require.NoError(t, err)
	assert.Equal(t, "recon-all", st.Command)

	res, err := (&Runner{}).RunStage(context.Background(), st, []string{"s1", "s2", "s3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, recon.subjects)
	require.Len(t, res.Failed(), 1)
	assert.Equal(t, "recon-all", res.Failed()[0].Command)
}

func TestBuilder_MissingDependencies(t *testing.T) {
	_, err := (&Builder{Config: config.Default()}).Stage(config.StageSurfaces)
	assert.Error(t, err)
	_, err = (&Builder{Config: config.Default()}).Stage(config.StageBEM)
	assert.Error(t, err)
	_, err = (&Builder{}).Stage(config.StageBEM)
	assert.Error(t, err)
}

func TestPlanHash(t *testing.T) {
	b, _, _ := newBuilder(t)
	stages, err := b.Stages([]string{"bem"})
	require.NoError(t, err)

	h1, err := PlanHash(b.Config, stages, []string{"s1"})
	require.NoError(t, err)
	h2, err := PlanHash(b.Config, stages, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b.Config.BEM.Ico = 5
	h3, err := PlanHash(b.Config, stages, []string{"s1"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
