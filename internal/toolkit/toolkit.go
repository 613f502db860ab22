// Package toolkit is the boundary to MNE-Python.
//
// Every numerically significant step (watershed BEM, BEM model and solution,
// scalp surfaces, source spaces, raw concatenation, covariance, forward
// model) runs inside the external toolkit. This package only describes the
// calls and their file contracts; Bridge carries them to a Python process.
package toolkit

import "context"

// Operation names as understood by the bridge script.
const (
	OpWatershedBEM    = "make_watershed_bem"
	OpBEMModel        = "make_bem_model"
	OpBEMSolution     = "make_bem_solution"
	OpScalpSurfaces   = "make_scalp_surfaces"
	OpSourceSpace     = "setup_source_space"
	OpConcatenateRaws = "concatenate_raws"
	OpRawCovariance   = "compute_raw_covariance"
	OpForward         = "make_forward_solution"
)

// Toolkit is the set of external operations the pipeline needs.
type Toolkit interface {
	WatershedBEM(ctx context.Context, req WatershedRequest) error
	BEMModel(ctx context.Context, req BEMModelRequest) error
	BEMSolution(ctx context.Context, req BEMSolutionRequest) error
	ScalpSurfaces(ctx context.Context, req ScalpRequest) error
	SourceSpace(ctx context.Context, req SourceSpaceRequest) error
	ConcatenateRaws(ctx context.Context, req ConcatenateRequest) error
	RawCovariance(ctx context.Context, req CovarianceRequest) error
	ForwardSolution(ctx context.Context, req ForwardRequest) error
}

// WatershedRequest builds the inner skull, outer skull and outer skin
// surfaces from the subject's T1.
type WatershedRequest struct {
	Subject     string `json:"subject"`
	SubjectsDir string `json:"subjects_dir"`
	Overwrite   bool   `json:"overwrite"`
}

// BEMModelRequest downsamples the watershed surfaces and writes them to Output.
type BEMModelRequest struct {
	Subject     string `json:"subject"`
	SubjectsDir string `json:"subjects_dir"`
	// Ico is nil when no downsampling is applied.
	Ico          *int      `json:"ico"`
	Conductivity []float64 `json:"conductivity"`
	Output       string    `json:"output"`
}

// BEMSolutionRequest solves the BEM for the surfaces file written by BEMModel.
type BEMSolutionRequest struct {
	Surfaces string `json:"surfaces"`
	Output   string `json:"output"`
}

// ScalpRequest generates dense, medium and sparse head surfaces in the
// subject's bem directory.
type ScalpRequest struct {
	Subject     string `json:"subject"`
	SubjectsDir string `json:"subjects_dir"`
	Force       bool   `json:"force"`
	Overwrite   bool   `json:"overwrite"`
}

// SourceSpaceRequest sets up a cortical source space on Surface.
type SourceSpaceRequest struct {
	Subject     string `json:"subject"`
	SubjectsDir string `json:"subjects_dir"`
	Spacing     string `json:"spacing"`
	Surface     string `json:"surface"`
	NJobs       int    `json:"n_jobs"`
	Output      string `json:"output"`
}

// ConcatenateRequest joins raw recordings in the given order.
type ConcatenateRequest struct {
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
}

// CovarianceRequest estimates a noise covariance over the MEG channels of
// an empty-room recording.
type CovarianceRequest struct {
	Input  string `json:"input"`
	NJobs  int    `json:"n_jobs"`
	Output string `json:"output"`
}

// ForwardRequest computes a forward solution.
type ForwardRequest struct {
	// Info is a recording whose measurement info describes the sensors.
	Info    string  `json:"info"`
	Trans   string  `json:"trans"`
	Src     string  `json:"src"`
	BEM     string  `json:"bem"`
	MEG     bool    `json:"meg"`
	EEG     bool    `json:"eeg"`
	MinDist float64 `json:"mindist"`
	NJobs   int     `json:"n_jobs"`
	// SurfOri converts the solution to surface-based source orientation.
	SurfOri bool   `json:"surf_ori"`
	Output  string `json:"output"`
}
