package config

import (
	"errors"
	"fmt"
	"strings"

	"megprep/internal/naming"
)

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.SubjectsDir) == "" {
		errs = append(errs, errors.New("subjects_dir is required (or set SUBJECTS_DIR)"))
	}
	if strings.TrimSpace(c.Python) == "" {
		errs = append(errs, errors.New("python is required"))
	}
	switch c.Mode {
	case ModeClean, ModeIncremental:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q (expected clean|incremental)", c.Mode))
	}

	known := make(map[string]bool, len(StageOrder))
	for _, name := range StageOrder {
		known[name] = true
	}
	for name, t := range c.Stages {
		if !known[name] {
			errs = append(errs, fmt.Errorf("unknown stage %q", name))
			continue
		}
		switch t.OnFailure {
		case PolicyContinue, PolicyHalt, "":
		default:
			errs = append(errs, fmt.Errorf("stages.%s.on_failure: invalid policy %q (expected continue|halt)", name, t.OnFailure))
		}
	}

	if strings.TrimSpace(c.Surfaces.Directive) == "" {
		errs = append(errs, errors.New("surfaces.directive is required"))
	}

	if !naming.ValidIco(c.BEM.Ico) {
		errs = append(errs, fmt.Errorf("bem.ico must be 3, 4, 5 or 0 for no downsampling (got %d)", c.BEM.Ico))
	}
	if n := len(c.BEM.Conductivity); n != 1 && n != 3 {
		errs = append(errs, fmt.Errorf("bem.conductivity must have 1 or 3 layers (got %d)", n))
	}
	for i, v := range c.BEM.Conductivity {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("bem.conductivity[%d] must be positive (got %g)", i, v))
		}
	}
	if c.BEM.Pattern == "" {
		errs = append(errs, errors.New("bem.pattern is required"))
	}

	if !naming.ValidSpacing(c.SourceSpace.Spacing) {
		errs = append(errs, fmt.Errorf("source_space.spacing %q is not ico<N>, oct<N>, all or a distance in mm", c.SourceSpace.Spacing))
	}
	if c.SourceSpace.Surface == "" {
		errs = append(errs, errors.New("source_space.surface is required"))
	}
	if c.SourceSpace.NJobs < 1 {
		errs = append(errs, fmt.Errorf("source_space.n_jobs must be >= 1 (got %d)", c.SourceSpace.NJobs))
	}
	if c.SourceSpace.Pattern == "" {
		errs = append(errs, errors.New("source_space.pattern is required"))
	}

	if len(c.RawMerge.Segments) == 0 {
		errs = append(errs, errors.New("raw_merge.segments must not be empty"))
	}
	for i, s := range c.RawMerge.Segments {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Errorf("raw_merge.segments[%d] is empty", i))
		}
	}
	if c.RawMerge.Pattern == "" {
		errs = append(errs, errors.New("raw_merge.pattern is required"))
	}

	if c.NoiseCov.EmptyRoomPattern == "" || c.NoiseCov.Pattern == "" {
		errs = append(errs, errors.New("noise_cov.empty_room_pattern and noise_cov.pattern are required"))
	}
	if c.NoiseCov.NJobs < 1 {
		errs = append(errs, fmt.Errorf("noise_cov.n_jobs must be >= 1 (got %d)", c.NoiseCov.NJobs))
	}

	if c.Forward.InfoPattern == "" || c.Forward.TransPattern == "" || c.Forward.Pattern == "" {
		errs = append(errs, errors.New("forward.info_pattern, forward.trans_pattern and forward.pattern are required"))
	}
	if !c.Forward.MEG && !c.Forward.EEG {
		errs = append(errs, errors.New("forward: at least one of meg or eeg must be enabled"))
	}
	if c.Forward.MinDist < 0 {
		errs = append(errs, fmt.Errorf("forward.mindist must be >= 0 (got %g)", c.Forward.MinDist))
	}
	if c.Forward.NJobs < 1 {
		errs = append(errs, fmt.Errorf("forward.n_jobs must be >= 1 (got %d)", c.Forward.NJobs))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
