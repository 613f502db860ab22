// Package freesurfer drives FreeSurfer's recon-all to reconstruct the
// cortical surfaces every later stage depends on.
package freesurfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"megprep/internal/core"
	"megprep/internal/naming"
)

// CommandName identifies recon-all in diagnostics.
const CommandName = "recon-all"

// ErrNoHome is returned when no FreeSurfer installation is configured.
var ErrNoHome = errors.New("FreeSurfer home not set (use --freesurfer-home or FREESURFER_HOME)")

// ResolveHome returns explicit when set, else $FREESURFER_HOME.
func ResolveHome(explicit string) (string, error) {
	if h := strings.TrimSpace(explicit); h != "" {
		return h, nil
	}
	if h := strings.TrimSpace(os.Getenv("FREESURFER_HOME")); h != "" {
		return h, nil
	}
	return "", ErrNoHome
}

// ReconAll runs recon-all for one subject at a time.
type ReconAll struct {
	// Home is the FreeSurfer installation; the binary is <Home>/bin/recon-all.
	Home string

	// SubjectsDir is exported as SUBJECTS_DIR to the child when set.
	SubjectsDir string

	// Directive is the processing directive, "-autorecon-all" by default.
	Directive string

	// Parallel passes -parallel so recon-all uses several cores.
	Parallel bool

	Executor core.CommandExecutor
}

// New returns a ReconAll with the default directive and parallelism.
func New(home, subjectsDir string, exec core.CommandExecutor) *ReconAll {
	return &ReconAll{
		Home:        home,
		SubjectsDir: subjectsDir,
		Directive:   "-autorecon-all",
		Parallel:    true,
		Executor:    exec,
	}
}

// Binary returns the recon-all path.
func (r *ReconAll) Binary() string {
	return filepath.Join(r.Home, "bin", "recon-all")
}

// Command builds the invocation for subject:
//
//	<home>/bin/recon-all -autorecon-all -parallel -subjid <subject>
//
// Some recon-all steps open an X display, so DISPLAY=:0 is exported to the
// child.
func (r *ReconAll) Command(subject string) *core.Command {
	directive := r.Directive
	if directive == "" {
		directive = "-autorecon-all"
	}
	argv := []string{r.Binary(), directive}
	if r.Parallel {
		argv = append(argv, "-parallel")
	}
	argv = append(argv, "-subjid", subject)

	env := map[string]string{
		"DISPLAY":         ":0",
		"FREESURFER_HOME": r.Home,
	}
	if r.SubjectsDir != "" {
		env["SUBJECTS_DIR"] = r.SubjectsDir
	}
	return &core.Command{Name: CommandName, Argv: argv, Env: env}
}

// Reconstruct runs recon-all for subject and blocks until it exits.
func (r *ReconAll) Reconstruct(ctx context.Context, subject string) error {
	if r.Executor == nil {
		return errors.New("recon-all: nil executor")
	}
	cmd := r.Command(subject)
	res, err := r.Executor.Execute(ctx, cmd)
	return core.CheckExit(cmd, res, err)
}

// Outputs lists the file whose presence marks a finished reconstruction.
func (r *ReconAll) Outputs(subject string) []string {
	return []string{naming.ReconDone(r.SubjectsDir, subject)}
}
