package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"megprep/internal/config"
	"megprep/internal/naming"
	"megprep/internal/toolkit"
)

// Action processes one subject.
type Action func(ctx context.Context, subject string) error

// Stage is one step of the pipeline applied subject by subject.
type Stage struct {
	Name string
	// Command names the external tool in failure diagnostics.
	Command string
	Policy  config.FailurePolicy
	// Outputs lists the files the stage writes for a subject.
	Outputs func(subject string) []string
	Run     Action
}

// Reconstructor builds cortical surfaces for a subject.
type Reconstructor interface {
	Reconstruct(ctx context.Context, subject string) error
	Outputs(subject string) []string
}

// Builder turns configuration into runnable stages.
type Builder struct {
	Config        *config.Config
	Toolkit       toolkit.Toolkit
	Reconstructor Reconstructor
}

// Stages returns the named stages in pipeline order, regardless of the order
// of names. Unknown names are an error.
func (b *Builder) Stages(names []string) ([]Stage, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Stage
	for _, name := range config.StageOrder {
		if !want[name] {
			continue
		}
		delete(want, name)
		st, err := b.Stage(name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown stage(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// Stage builds a single stage by name.
func (b *Builder) Stage(name string) (Stage, error) {
	if b.Config == nil {
		return Stage{}, fmt.Errorf("stage %s: nil config", name)
	}
	var st Stage
	switch name {
	case config.StageSurfaces:
		if b.Reconstructor == nil {
			return Stage{}, fmt.Errorf("stage %s: no surface reconstructor", name)
		}
		st = b.surfaces()
	case config.StageBEM:
		st = b.bem()
	case config.StageScalp:
		st = b.scalp()
	case config.StageSourceSpace:
		st = b.sourceSpace()
	case config.StageRawMerge:
		st = b.rawMerge()
	case config.StageNoiseCov:
		st = b.noiseCov()
	case config.StageForward:
		st = b.forward()
	default:
		return Stage{}, fmt.Errorf("unknown stage %q", name)
	}
	if name != config.StageSurfaces && b.Toolkit == nil {
		return Stage{}, fmt.Errorf("stage %s: no toolkit", name)
	}
	st.Policy = b.Config.Policy(name)
	return st, nil
}

func (b *Builder) surfaces() Stage {
	return Stage{
		Name:    config.StageSurfaces,
		Command: "recon-all",
		Outputs: b.Reconstructor.Outputs,
		Run:     b.Reconstructor.Reconstruct,
	}
}

func (b *Builder) bemPaths(subject string) (surfaces, solution string) {
	c := b.Config
	layers := len(c.BEM.Conductivity)
	return naming.BEMSurfaces(c.SubjectsDir, subject, c.BEM.Ico, layers, c.BEM.Pattern),
		naming.BEMSolution(c.SubjectsDir, subject, c.BEM.Ico, layers)
}

func (b *Builder) bem() Stage {
	c := b.Config
	return Stage{
		Name:    config.StageBEM,
		Command: toolkit.OpBEMModel,
		Outputs: func(subject string) []string {
			surf, sol := b.bemPaths(subject)
			return []string{surf, sol}
		},
		Run: func(ctx context.Context, subject string) error {
			surf, sol := b.bemPaths(subject)
			err := b.Toolkit.WatershedBEM(ctx, toolkit.WatershedRequest{
				Subject:     subject,
				SubjectsDir: c.SubjectsDir,
				Overwrite:   true,
			})
			if err != nil {
				return step(toolkit.OpWatershedBEM, err)
			}
			var ico *int
			if c.BEM.Ico > 0 {
				v := c.BEM.Ico
				ico = &v
			}
			err = b.Toolkit.BEMModel(ctx, toolkit.BEMModelRequest{
				Subject:      subject,
				SubjectsDir:  c.SubjectsDir,
				Ico:          ico,
				Conductivity: append([]float64(nil), c.BEM.Conductivity...),
				Output:       surf,
			})
			if err != nil {
				return step(toolkit.OpBEMModel, err)
			}
			return step(toolkit.OpBEMSolution, b.Toolkit.BEMSolution(ctx, toolkit.BEMSolutionRequest{
				Surfaces: surf,
				Output:   sol,
			}))
		},
	}
}

func (b *Builder) scalp() Stage {
	c := b.Config
	return Stage{
		Name:    config.StageScalp,
		Command: "mne_make_scalp_surfaces",
		Outputs: func(subject string) []string {
			return naming.HeadSurfaces(c.SubjectsDir, subject)
		},
		Run: func(ctx context.Context, subject string) error {
			return b.Toolkit.ScalpSurfaces(ctx, toolkit.ScalpRequest{
				Subject:     subject,
				SubjectsDir: c.SubjectsDir,
				Force:       c.Scalp.Force,
				Overwrite:   c.Scalp.Overwrite,
			})
		},
	}
}

func (b *Builder) srcPath(subject string) string {
	c := b.Config
	return naming.SourceSpace(c.SubjectsDir, subject, c.SourceSpace.Spacing, c.SourceSpace.Pattern)
}

func (b *Builder) sourceSpace() Stage {
	c := b.Config
	return Stage{
		Name:    config.StageSourceSpace,
		Command: toolkit.OpSourceSpace,
		Outputs: func(subject string) []string { return []string{b.srcPath(subject)} },
		Run: func(ctx context.Context, subject string) error {
			return b.Toolkit.SourceSpace(ctx, toolkit.SourceSpaceRequest{
				Subject:     subject,
				SubjectsDir: c.SubjectsDir,
				Spacing:     c.SourceSpace.Spacing,
				Surface:     c.SourceSpace.Surface,
				NJobs:       c.SourceSpace.NJobs,
				Output:      b.srcPath(subject),
			})
		},
	}
}

func (b *Builder) rawMerge() Stage {
	c := b.Config
	output := func(subject string) string {
		return naming.SubjectFile(c.SubjectsDir, subject, c.RawMerge.Pattern)
	}
	return Stage{
		Name:    config.StageRawMerge,
		Command: toolkit.OpConcatenateRaws,
		Outputs: func(subject string) []string { return []string{output(subject)} },
		Run: func(ctx context.Context, subject string) error {
			inputs := make([]string, 0, len(c.RawMerge.Segments))
			for _, seg := range c.RawMerge.Segments {
				inputs = append(inputs, naming.RawSegment(c.SubjectsDir, subject, seg))
			}
			if err := requireFiles(inputs...); err != nil {
				return err
			}
			return b.Toolkit.ConcatenateRaws(ctx, toolkit.ConcatenateRequest{
				Inputs: inputs,
				Output: output(subject),
			})
		},
	}
}

func (b *Builder) noiseCov() Stage {
	c := b.Config
	output := func(subject string) string {
		return naming.SubjectFile(c.SubjectsDir, subject, c.NoiseCov.Pattern)
	}
	return Stage{
		Name:    config.StageNoiseCov,
		Command: toolkit.OpRawCovariance,
		Outputs: func(subject string) []string { return []string{output(subject)} },
		Run: func(ctx context.Context, subject string) error {
			input := naming.SubjectFile(c.SubjectsDir, subject, c.NoiseCov.EmptyRoomPattern)
			if err := requireFiles(input); err != nil {
				return err
			}
			return b.Toolkit.RawCovariance(ctx, toolkit.CovarianceRequest{
				Input:  input,
				NJobs:  c.NoiseCov.NJobs,
				Output: output(subject),
			})
		},
	}
}

func (b *Builder) forward() Stage {
	c := b.Config
	output := func(subject string) string {
		return naming.Forward(c.SubjectsDir, subject, c.SourceSpace.Spacing, c.Forward.Pattern)
	}
	return Stage{
		Name:    config.StageForward,
		Command: toolkit.OpForward,
		Outputs: func(subject string) []string { return []string{output(subject)} },
		Run: func(ctx context.Context, subject string) error {
			_, sol := b.bemPaths(subject)
			req := toolkit.ForwardRequest{
				Info:    naming.SubjectFile(c.SubjectsDir, subject, c.Forward.InfoPattern),
				Trans:   naming.SubjectFile(c.SubjectsDir, subject, c.Forward.TransPattern),
				Src:     b.srcPath(subject),
				BEM:     sol,
				MEG:     c.Forward.MEG,
				EEG:     c.Forward.EEG,
				MinDist: c.Forward.MinDist,
				NJobs:   c.Forward.NJobs,
				SurfOri: true,
				Output:  output(subject),
			}
			if err := requireFiles(req.Info, req.Trans, req.Src, req.BEM); err != nil {
				return err
			}
			return b.Toolkit.ForwardSolution(ctx, req)
		},
	}
}

func requireFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return &MissingInputError{Path: p}
		}
	}
	return nil
}

func allExist(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
