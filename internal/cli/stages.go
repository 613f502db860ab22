package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"megprep/internal/config"
	"megprep/internal/state"
)

// applyFunc copies the stage flags the user set into the configuration.
type applyFunc func(fs *pflag.FlagSet, cfg *config.Config)

type stageCommand struct {
	stage string
	short string
	// flags registers the stage flags and returns their applier.
	flags func(fs *pflag.FlagSet) applyFunc
}

func stageCommands() []stageCommand {
	return []stageCommand{
		{stage: config.StageSurfaces, short: "Reconstruct cortical surfaces with recon-all", flags: surfacesFlags},
		{stage: config.StageBEM, short: "Create watershed surfaces, the BEM model and its solution", flags: bemFlags},
		{stage: config.StageScalp, short: "Create dense, medium and sparse scalp surfaces", flags: scalpFlags},
		{stage: config.StageSourceSpace, short: "Set up the cortical source space", flags: sourceSpaceFlags},
		{stage: config.StageRawMerge, short: "Concatenate raw recording segments", flags: rawMergeFlags},
		{stage: config.StageNoiseCov, short: "Estimate the noise covariance from the empty-room recording", flags: noiseCovFlags},
		{stage: config.StageForward, short: "Compute the forward solution", flags: forwardFlags},
	}
}

func (a *App) newStageCommand(opts *rootOptions, out *CLIResult, sc stageCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   sc.stage,
		Short: sc.short,
		Args:  cobra.NoArgs,
	}
	apply := sc.flags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := prepare(cmd, opts)
		if err != nil {
			return own(err)
		}
		apply(cmd.Flags(), cfg)
		if err := cfg.Enable(sc.stage); err != nil {
			return own(invalidInvocationf("%v", err))
		}
		res, err := a.execute(cmd.Context(), cfg, opts, []string{sc.stage})
		*out = res
		return own(err)
	}
	return cmd
}

func (a *App) newRunCommand(opts *rootOptions, out *CLIResult) *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every enabled stage in pipeline order",
		Long: `Runs the stages enabled in the pipeline file, or those named with --stage,
in the fixed order surfaces, bem, scalp, source-space, raw-merge, noise-cov,
forward.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := prepare(cmd, opts)
			if err != nil {
				return own(err)
			}
			for _, s := range stages {
				if err := cfg.Enable(s); err != nil {
					return own(invalidInvocationf("--stage: %v", err))
				}
			}
			res, err := a.execute(cmd.Context(), cfg, opts, nil)
			*out = res
			return own(err)
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "enable a stage in addition to those in the config (repeatable)")
	return cmd
}

func (a *App) newRunsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs and their failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := prepare(cmd, opts)
			if err != nil {
				return own(err)
			}
			if cfg.SubjectsDir == "" {
				return own(invalidInvocationf("--subjects-dir is required (or set SUBJECTS_DIR)"))
			}
			store, err := state.NewStore(cfg.SubjectsDir)
			if err != nil {
				return own(err)
			}
			runs, err := store.ListRuns()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tSTAGES\tSUBJECTS\tFAILURES")
			for _, r := range runs {
				failures, ferr := store.LoadFailures(r.RunID)
				if ferr != nil {
					return own(ferr)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					r.RunID, r.StartTime.Local().Format(time.DateTime), r.Status,
					len(r.Stages), len(r.Subjects), len(failures))
			}
			if ferr := w.Flush(); ferr != nil {
				return own(ferr)
			}
			return own(err)
		},
	}
}

func (a *App) newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `config prints the pipeline configuration after defaults, the --config
file and the persistent flags are applied. The output is a valid pipeline
file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := prepare(cmd, opts)
			if err != nil {
				return own(err)
			}
			if err := cfg.Validate(); err != nil {
				return own(configErrorf("invalid configuration: %v", err))
			}
			return own(cfg.Encode(cmd.OutOrStdout()))
		},
	}
}

func surfacesFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var directive string
	var parallel bool
	fs.StringVar(&directive, "directive", d.Surfaces.Directive, "recon-all processing directive")
	fs.BoolVar(&parallel, "parallel", d.Surfaces.Parallel, "pass -parallel to recon-all")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		stringFlag(fs, "directive", directive, &cfg.Surfaces.Directive)
		boolFlag(fs, "parallel", parallel, &cfg.Surfaces.Parallel)
	}
}

func bemFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var ico int
	var conductivity []float64
	var pattern string
	fs.IntVar(&ico, "ico", d.BEM.Ico, "surface downsampling level (3, 4, 5; 0 for none)")
	fs.Float64SliceVar(&conductivity, "conductivity", d.BEM.Conductivity, "layer conductivities in S/m (1 or 3 values)")
	fs.StringVar(&pattern, "bem-pattern", d.BEM.Pattern, "suffix of the BEM surfaces file")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		intFlag(fs, "ico", ico, &cfg.BEM.Ico)
		if fs.Changed("conductivity") {
			cfg.BEM.Conductivity = conductivity
		}
		stringFlag(fs, "bem-pattern", pattern, &cfg.BEM.Pattern)
	}
}

func scalpFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var force, overwrite bool
	fs.BoolVar(&force, "force", d.Scalp.Force, "force creation despite topology defects")
	fs.BoolVar(&overwrite, "overwrite", d.Scalp.Overwrite, "overwrite existing head surfaces")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		boolFlag(fs, "force", force, &cfg.Scalp.Force)
		boolFlag(fs, "overwrite", overwrite, &cfg.Scalp.Overwrite)
	}
}

func sourceSpaceFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var spacing, surface, pattern string
	var nJobs int
	fs.StringVar(&spacing, "spacing", d.SourceSpace.Spacing, "source spacing: ico<N>, oct<N>, all or a distance in mm")
	fs.StringVar(&surface, "surface", d.SourceSpace.Surface, "cortical surface the sources lie on")
	fs.IntVar(&nJobs, "n-jobs", d.SourceSpace.NJobs, "parallel jobs")
	fs.StringVar(&pattern, "src-pattern", d.SourceSpace.Pattern, "suffix of the source space file")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		stringFlag(fs, "spacing", spacing, &cfg.SourceSpace.Spacing)
		stringFlag(fs, "surface", surface, &cfg.SourceSpace.Surface)
		intFlag(fs, "n-jobs", nJobs, &cfg.SourceSpace.NJobs)
		stringFlag(fs, "src-pattern", pattern, &cfg.SourceSpace.Pattern)
	}
}

func rawMergeFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var segments []string
	var pattern string
	fs.StringSliceVar(&segments, "segment", d.RawMerge.Segments, "raw segment to concatenate, in order (repeatable)")
	fs.StringVar(&pattern, "raw-pattern", d.RawMerge.Pattern, "suffix of the merged raw file")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		if fs.Changed("segment") {
			cfg.RawMerge.Segments = segments
		}
		stringFlag(fs, "raw-pattern", pattern, &cfg.RawMerge.Pattern)
	}
}

func noiseCovFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var emptyRoom, pattern string
	var nJobs int
	fs.StringVar(&emptyRoom, "empty-room-pattern", d.NoiseCov.EmptyRoomPattern, "suffix of the empty-room recording")
	fs.StringVar(&pattern, "cov-pattern", d.NoiseCov.Pattern, "suffix of the covariance file")
	fs.IntVar(&nJobs, "n-jobs", d.NoiseCov.NJobs, "parallel jobs")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		stringFlag(fs, "empty-room-pattern", emptyRoom, &cfg.NoiseCov.EmptyRoomPattern)
		stringFlag(fs, "cov-pattern", pattern, &cfg.NoiseCov.Pattern)
		intFlag(fs, "n-jobs", nJobs, &cfg.NoiseCov.NJobs)
	}
}

func forwardFlags(fs *pflag.FlagSet) applyFunc {
	d := config.Default()
	var spacing, info, trans, pattern string
	var meg, eeg bool
	var minDist float64
	var nJobs int
	fs.StringVar(&spacing, "spacing", d.SourceSpace.Spacing, "spacing of the source space to use")
	fs.StringVar(&info, "info-pattern", d.Forward.InfoPattern, "suffix of the recording providing sensor info")
	fs.StringVar(&trans, "trans-pattern", d.Forward.TransPattern, "suffix of the head-MRI transform")
	fs.StringVar(&pattern, "fwd-pattern", d.Forward.Pattern, "suffix of the forward solution file")
	fs.BoolVar(&meg, "meg", d.Forward.MEG, "include MEG channels")
	fs.BoolVar(&eeg, "eeg", d.Forward.EEG, "include EEG channels")
	fs.Float64Var(&minDist, "mindist", d.Forward.MinDist, "minimum distance of sources from the inner skull (mm)")
	fs.IntVar(&nJobs, "n-jobs", d.Forward.NJobs, "parallel jobs")
	return func(fs *pflag.FlagSet, cfg *config.Config) {
		stringFlag(fs, "spacing", spacing, &cfg.SourceSpace.Spacing)
		stringFlag(fs, "info-pattern", info, &cfg.Forward.InfoPattern)
		stringFlag(fs, "trans-pattern", trans, &cfg.Forward.TransPattern)
		stringFlag(fs, "fwd-pattern", pattern, &cfg.Forward.Pattern)
		boolFlag(fs, "meg", meg, &cfg.Forward.MEG)
		boolFlag(fs, "eeg", eeg, &cfg.Forward.EEG)
		if fs.Changed("mindist") {
			cfg.Forward.MinDist = minDist
		}
		intFlag(fs, "n-jobs", nJobs, &cfg.Forward.NJobs)
	}
}
