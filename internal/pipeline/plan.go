package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"megprep/internal/config"
	"megprep/internal/trace"
)

// plan is the part of a run that determines its outputs.
type plan struct {
	Mode        config.Mode              `yaml:"mode"`
	Stages      []string                 `yaml:"stages"`
	Subjects    []string                 `yaml:"subjects"`
	SubjectsDir string                   `yaml:"subjects_dir"`
	Surfaces    config.SurfacesConfig    `yaml:"surfaces"`
	BEM         config.BEMConfig         `yaml:"bem"`
	Scalp       config.ScalpConfig       `yaml:"scalp"`
	SourceSpace config.SourceSpaceConfig `yaml:"source_space"`
	RawMerge    config.RawMergeConfig    `yaml:"raw_merge"`
	NoiseCov    config.NoiseCovConfig    `yaml:"noise_cov"`
	Forward     config.ForwardConfig     `yaml:"forward"`
}

// PlanHash identifies a run by its stages, subjects and parameters. Runs
// with the same plan hash over the same inputs produce the same files.
func PlanHash(cfg *config.Config, stages []Stage, subjects []string) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("plan hash: nil config")
	}
	p := plan{
		Mode:        cfg.Mode,
		Subjects:    append([]string{}, subjects...),
		SubjectsDir: cfg.SubjectsDir,
		Surfaces:    cfg.Surfaces,
		BEM:         cfg.BEM,
		Scalp:       cfg.Scalp,
		SourceSpace: cfg.SourceSpace,
		RawMerge:    cfg.RawMerge,
		NoiseCov:    cfg.NoiseCov,
		Forward:     cfg.Forward,
	}
	p.Stages = StageNames(stages)
	b, err := yaml.Marshal(&p)
	if err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	return trace.ComputeHash(b), nil
}

// StageNames returns the names of stages in the given order.
func StageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, st.Name)
	}
	return names
}
