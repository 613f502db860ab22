package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"megprep/internal/state"
	"megprep/internal/toolkit"
)

type call struct {
	Op  string
	Req any
}

// fakeToolkit records every request and returns the error mapped to its op
// in fail.
type fakeToolkit struct {
	calls []call
	fail  map[string]error
}

func (f *fakeToolkit) do(op string, req any) error {
	f.calls = append(f.calls, call{Op: op, Req: req})
	if err, ok := f.fail[op]; ok {
		return err
	}
	return nil
}

func (f *fakeToolkit) ops() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op)
	}
	return out
}

func (f *fakeToolkit) WatershedBEM(_ context.Context, r toolkit.WatershedRequest) error {
	return f.do(toolkit.OpWatershedBEM, r)
}
func (f *fakeToolkit) BEMModel(_ context.Context, r toolkit.BEMModelRequest) error {
	return f.do(toolkit.OpBEMModel, r)
}
func (f *fakeToolkit) BEMSolution(_ context.Context, r toolkit.BEMSolutionRequest) error {
	return f.do(toolkit.OpBEMSolution, r)
}
func (f *fakeToolkit) ScalpSurfaces(_ context.Context, r toolkit.ScalpRequest) error {
	return f.do(toolkit.OpScalpSurfaces, r)
}
func (f *fakeToolkit) SourceSpace(_ context.Context, r toolkit.SourceSpaceRequest) error {
	return f.do(toolkit.OpSourceSpace, r)
}
func (f *fakeToolkit) ConcatenateRaws(_ context.Context, r toolkit.ConcatenateRequest) error {
	return f.do(toolkit.OpConcatenateRaws, r)
}
func (f *fakeToolkit) RawCovariance(_ context.Context, r toolkit.CovarianceRequest) error {
	return f.do(toolkit.OpRawCovariance, r)
}
func (f *fakeToolkit) ForwardSolution(_ context.Context, r toolkit.ForwardRequest) error {
	return f.do(toolkit.OpForward, r)
}

type fakeRecon struct {
	dir      string
	subjects []string
	fail     map[string]bool
}

func (r *fakeRecon) Reconstruct(_ context.Context, subject string) error {
	r.subjects = append(r.subjects, subject)
	if r.fail[subject] {
		return os.ErrInvalid
	}
	return nil
}

func (r *fakeRecon) Outputs(subject string) []string {
	return []string{filepath.Join(r.dir, subject, "scripts", "recon-all.done")}
}

type memLedger struct {
	failures []state.Failure
}

func (m *memLedger) RecordFailure(f state.Failure) error {
	m.failures = append(m.failures, f)
	return nil
}

func touch(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}
