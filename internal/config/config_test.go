package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesPipelineDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.BEM.Ico)
	assert.Equal(t, []float64{0.3, 0.006, 0.3}, cfg.BEM.Conductivity)
	assert.Equal(t, "-bem.fif", cfg.BEM.Pattern)
	assert.Equal(t, "ico5", cfg.SourceSpace.Spacing)
	assert.Equal(t, "white", cfg.SourceSpace.Surface)
	assert.Equal(t, 2, cfg.SourceSpace.NJobs)
	assert.Equal(t, "-src.fif", cfg.SourceSpace.Pattern)
	assert.Equal(t, []string{"block3", "block4"}, cfg.RawMerge.Segments)
	assert.Equal(t, "-autorecon-all", cfg.Surfaces.Directive)
	assert.True(t, cfg.Surfaces.Parallel)
	assert.True(t, cfg.Scalp.Force)
	assert.True(t, cfg.Scalp.Overwrite)
	assert.Equal(t, 0.5, cfg.Forward.MinDist)
	assert.True(t, cfg.Forward.MEG)
	assert.False(t, cfg.Forward.EEG)
	assert.Equal(t, ModeClean, cfg.Mode)
	assert.Empty(t, cfg.EnabledStages())
}

func TestDefault_Policies(t *testing.T) {
	cfg := Default()
	assert.Equal(t, PolicyContinue, cfg.Policy(StageSurfaces))
	assert.Equal(t, PolicyContinue, cfg.Policy(StageScalp))
	for _, s := range []string{StageBEM, StageSourceSpace, StageRawMerge, StageNoiseCov, StageForward} {
		assert.Equal(t, PolicyHalt, cfg.Policy(s), s)
	}
}

func TestParse_OverridesOnlyWhatIsSet(t *testing.T) {
	cfg, err := Parse([]byte(`
subjects_dir: /data/subjects
subjects: ["20140305", "20140306"]
stages:
  bem:
    enabled: true
  scalp:
    enabled: true
    on_failure: halt
bem:
  ico: 5
source_space:
  spacing: oct6
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/subjects", cfg.SubjectsDir)
	assert.Equal(t, []string{"20140305", "20140306"}, cfg.Subjects)
	assert.Equal(t, 5, cfg.BEM.Ico)
	assert.Equal(t, []float64{0.3, 0.006, 0.3}, cfg.BEM.Conductivity)
	assert.Equal(t, "oct6", cfg.SourceSpace.Spacing)
	assert.Equal(t, 2, cfg.SourceSpace.NJobs)
	assert.Equal(t, []string{StageBEM, StageScalp}, cfg.EnabledStages())
	assert.Equal(t, PolicyHalt, cfg.Policy(StageBEM))
	assert.Equal(t, PolicyHalt, cfg.Policy(StageScalp))
	assert.Equal(t, PolicyContinue, cfg.Policy(StageSurfaces))
	require.NoError(t, cfg.Validate())
}

func TestParse_EmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("bem:\n  icosahedron: 4\n"))
	assert.Error(t, err)
}

func TestLoad_ResolvesRelativeDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subjects_dir: subjects\ntrace: out/trace.json\nfreesurfer_home: /opt/fs\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "subjects"), cfg.SubjectsDir)
	assert.Equal(t, filepath.Join(dir, "out", "trace.json"), cfg.Trace)
	assert.Equal(t, "/opt/fs", cfg.FreesurferHome)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_FillsOnlyUnset(t *testing.T) {
	t.Setenv("SUBJECTS_DIR", "/env/subjects")
	t.Setenv("FREESURFER_HOME", "/env/fs")

	cfg := Default()
	cfg.FreesurferHome = "/explicit/fs"
	cfg.ApplyEnv()

	assert.Equal(t, "/env/subjects", cfg.SubjectsDir)
	assert.Equal(t, "/explicit/fs", cfg.FreesurferHome)
}

func TestEnable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Enable(StageForward))
	assert.Equal(t, []string{StageForward}, cfg.EnabledStages())
	assert.Equal(t, PolicyHalt, cfg.Policy(StageForward))
	assert.Error(t, cfg.Enable("inverse"))
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.BEM.Ico = 2
	cfg.BEM.Conductivity = []float64{0.3, -1}
	cfg.SourceSpace.Spacing = "ico"
	cfg.SourceSpace.NJobs = 0
	cfg.RawMerge.Segments = nil
	cfg.Mode = "resume"
	cfg.Stages["inverse"] = StageToggle{Enabled: true}
	cfg.Stages[StageBEM] = StageToggle{OnFailure: "retry"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"subjects_dir is required",
		"bem.ico",
		"1 or 3 layers",
		"bem.conductivity[1]",
		"source_space.spacing",
		"source_space.n_jobs",
		"raw_merge.segments",
		"invalid mode",
		`unknown stage "inverse"`,
		"stages.bem.on_failure",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	cfg := Default()
	cfg.SubjectsDir = "/data/subjects"
	cfg.Subjects = []string{"a"}
	require.NoError(t, cfg.Enable(StageBEM))

	var buf bytes.Buffer
	require.NoError(t, cfg.Encode(&buf))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
