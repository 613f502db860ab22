// Package config loads and validates the pipeline configuration.
//
// A pipeline file replaces hand-edited boolean toggles: it names the
// subjects, the directories, which stages run and the parameters each stage
// passes to the external tools. Values left out of the file keep the defaults
// from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"megprep/internal/naming"
)

// Stage names, in execution order.
const (
	StageSurfaces    = "surfaces"
	StageBEM         = "bem"
	StageScalp       = "scalp"
	StageSourceSpace = "source-space"
	StageRawMerge    = "raw-merge"
	StageNoiseCov    = "noise-cov"
	StageForward     = "forward"
)

// StageOrder is the fixed order in which enabled stages run.
var StageOrder = []string{
	StageSurfaces,
	StageBEM,
	StageScalp,
	StageSourceSpace,
	StageRawMerge,
	StageNoiseCov,
	StageForward,
}

// Mode selects whether existing outputs are rebuilt.
type Mode string

const (
	// ModeClean runs every subject regardless of existing outputs.
	ModeClean Mode = "clean"
	// ModeIncremental skips subjects whose stage outputs already exist.
	ModeIncremental Mode = "incremental"
)

// FailurePolicy decides what a stage does when one subject fails.
type FailurePolicy string

const (
	// PolicyContinue reports the failure and moves on to the next subject.
	PolicyContinue FailurePolicy = "continue"
	// PolicyHalt stops the whole run at the first failure.
	PolicyHalt FailurePolicy = "halt"
)

// DefaultPolicies mirror how each stage has always reacted to failures:
// surface reconstruction and scalp surfaces report and continue, every other
// stage stops the batch.
var DefaultPolicies = map[string]FailurePolicy{
	StageSurfaces:    PolicyContinue,
	StageBEM:         PolicyHalt,
	StageScalp:       PolicyContinue,
	StageSourceSpace: PolicyHalt,
	StageRawMerge:    PolicyHalt,
	StageNoiseCov:    PolicyHalt,
	StageForward:     PolicyHalt,
}

// Config holds the complete pipeline configuration.
type Config struct {
	// SubjectsDir is the root holding one directory per subject.
	// Defaults to $SUBJECTS_DIR.
	SubjectsDir string `yaml:"subjects_dir"`

	// FreesurferHome is the FreeSurfer installation. Defaults to $FREESURFER_HOME.
	FreesurferHome string `yaml:"freesurfer_home"`

	// Python is the interpreter with MNE installed.
	Python string `yaml:"python"`

	Subjects       []string `yaml:"subjects"`
	SubjectPattern string   `yaml:"subject_pattern"`

	Mode Mode `yaml:"mode"`

	// Trace is an optional path for the JSON run trace.
	Trace string `yaml:"trace"`

	// Ledger records runs and failures under <subjects_dir>/.megprep.
	Ledger bool `yaml:"ledger"`

	Stages map[string]StageToggle `yaml:"stages"`

	Surfaces    SurfacesConfig    `yaml:"surfaces"`
	BEM         BEMConfig         `yaml:"bem"`
	Scalp       ScalpConfig       `yaml:"scalp"`
	SourceSpace SourceSpaceConfig `yaml:"source_space"`
	RawMerge    RawMergeConfig    `yaml:"raw_merge"`
	NoiseCov    NoiseCovConfig    `yaml:"noise_cov"`
	Forward     ForwardConfig     `yaml:"forward"`

	Logging LoggingConfig `yaml:"logging"`
}

// StageToggle enables a stage and sets its failure policy.
type StageToggle struct {
	Enabled   bool          `yaml:"enabled"`
	OnFailure FailurePolicy `yaml:"on_failure"`
}

// SurfacesConfig configures recon-all.
type SurfacesConfig struct {
	Directive string `yaml:"directive"` // recon-all processing directive
	Parallel  bool   `yaml:"parallel"`
}

// BEMConfig configures watershed surfaces, the BEM model and its solution.
type BEMConfig struct {
	// Ico is the surface downsampling level (3, 4 or 5); 0 disables it.
	Ico          int       `yaml:"ico"`
	Conductivity []float64 `yaml:"conductivity"`
	Pattern      string    `yaml:"pattern"`
}

// ScalpConfig configures the co-registration head surfaces.
type ScalpConfig struct {
	Force     bool `yaml:"force"`
	Overwrite bool `yaml:"overwrite"`
}

// SourceSpaceConfig configures the cortical source space.
type SourceSpaceConfig struct {
	Spacing string `yaml:"spacing"`
	Surface string `yaml:"surface"`
	NJobs   int    `yaml:"n_jobs"`
	Pattern string `yaml:"pattern"`
}

// RawMergeConfig configures raw segment concatenation.
type RawMergeConfig struct {
	Segments []string `yaml:"segments"`
	Pattern  string   `yaml:"pattern"`
}

// NoiseCovConfig configures the empty-room noise covariance.
type NoiseCovConfig struct {
	EmptyRoomPattern string `yaml:"empty_room_pattern"`
	Pattern          string `yaml:"pattern"`
	NJobs            int    `yaml:"n_jobs"`
}

// ForwardConfig configures the forward solution.
type ForwardConfig struct {
	// InfoPattern names the recording whose measurement info describes the sensors.
	InfoPattern  string  `yaml:"info_pattern"`
	TransPattern string  `yaml:"trans_pattern"`
	Pattern      string  `yaml:"pattern"`
	MEG          bool    `yaml:"meg"`
	EEG          bool    `yaml:"eeg"`
	MinDist      float64 `yaml:"mindist"` // millimetres
	NJobs        int     `yaml:"n_jobs"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// Default returns the default configuration. No stage is enabled.
func Default() *Config {
	stages := make(map[string]StageToggle, len(StageOrder))
	for _, name := range StageOrder {
		stages[name] = StageToggle{Enabled: false, OnFailure: DefaultPolicies[name]}
	}
	return &Config{
		Python: "python3",
		Mode:   ModeClean,
		Ledger: true,
		Stages: stages,
		Surfaces: SurfacesConfig{
			Directive: "-autorecon-all",
			Parallel:  true,
		},
		BEM: BEMConfig{
			Ico:          4,
			Conductivity: []float64{0.3, 0.006, 0.3},
			Pattern:      naming.DefaultBEMPattern,
		},
		Scalp: ScalpConfig{
			Force:     true,
			Overwrite: true,
		},
		SourceSpace: SourceSpaceConfig{
			Spacing: "ico5",
			Surface: "white",
			NJobs:   2,
			Pattern: naming.DefaultSrcPattern,
		},
		RawMerge: RawMergeConfig{
			Segments: []string{"block3", "block4"},
			Pattern:  naming.DefaultRawPattern,
		},
		NoiseCov: NoiseCovConfig{
			EmptyRoomPattern: naming.DefaultEmptyRoomPattern,
			Pattern:          naming.DefaultCovPattern,
			NJobs:            3,
		},
		Forward: ForwardConfig{
			InfoPattern:  naming.DefaultRawPattern,
			TransPattern: naming.DefaultTransPattern,
			Pattern:      naming.DefaultForwardPattern,
			MEG:          true,
			EEG:          false,
			MinDist:      0.5,
			NJobs:        3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML pipeline file on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// Relative directories in a pipeline file are relative to the file.
	base := filepath.Dir(path)
	cfg.SubjectsDir = resolveRelative(base, cfg.SubjectsDir)
	cfg.FreesurferHome = resolveRelative(base, cfg.FreesurferHome)
	if cfg.Trace != "" {
		cfg.Trace = resolveRelative(base, cfg.Trace)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillStagePolicies()
	return cfg, nil
}

// fillStagePolicies restores default policies for stages listed in a file
// without an explicit on_failure, and re-adds stages the file omitted.
func (c *Config) fillStagePolicies() {
	if c.Stages == nil {
		c.Stages = make(map[string]StageToggle, len(StageOrder))
	}
	for _, name := range StageOrder {
		t := c.Stages[name]
		if t.OnFailure == "" {
			t.OnFailure = DefaultPolicies[name]
		}
		c.Stages[name] = t
	}
}

// ApplyEnv fills unset directories from SUBJECTS_DIR and FREESURFER_HOME.
func (c *Config) ApplyEnv() {
	if c.SubjectsDir == "" {
		c.SubjectsDir = os.Getenv("SUBJECTS_DIR")
	}
	if c.FreesurferHome == "" {
		c.FreesurferHome = os.Getenv("FREESURFER_HOME")
	}
}

// Enable turns on a single stage, keeping its policy.
func (c *Config) Enable(stage string) error {
	t, ok := c.Stages[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}
	t.Enabled = true
	c.Stages[stage] = t
	return nil
}

// EnabledStages returns the enabled stage names in execution order.
func (c *Config) EnabledStages() []string {
	var out []string
	for _, name := range StageOrder {
		if c.Stages[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Policy returns the failure policy configured for stage.
func (c *Config) Policy(stage string) FailurePolicy {
	if p := c.Stages[stage].OnFailure; p != "" {
		return p
	}
	return DefaultPolicies[stage]
}

// Encode writes the configuration as YAML. The output loads back through
// Load unchanged.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func resolveRelative(base, p string) string {
	if strings.TrimSpace(p) == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
