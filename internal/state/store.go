package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LedgerDir is the directory, relative to the subjects directory, that holds
// run records.
const LedgerDir = ".megprep"

// Store persists run records under:
//   <subjectsDir>/.megprep/runs/<run-id>/
//
// Records are replaced atomically and synced to disk before the call returns.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, LedgerDir, "runs")
}

// ListRunIDs returns all run IDs currently present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if name == "" {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRuns loads every run on disk ordered by start time, oldest first.
// Unreadable run directories are skipped and reported through the returned error.
func (s *Store) ListRuns() ([]Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	var (
		runs []Run
		errs []error
	)
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
			continue
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs, errors.Join(errs...)
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) failuresPath(runID string) string {
	return filepath.Join(s.runDir(runID), "failures.json")
}

func validRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid runID %q", runID)
	}
	return nil
}

func (s *Store) SaveRun(run Run) error {
	if err := validRunID(run.RunID); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := writeJSON(s.runPath(run.RunID), run); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := validRunID(runID); err != nil {
		return Run{}, err
	}
	if err := readJSON(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveFailures replaces the failure list of a run.
func (s *Store) SaveFailures(runID string, failures []Failure) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	for i, f := range failures {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid failure[%d]: %w", i, err)
		}
	}
	if failures == nil {
		failures = []Failure{}
	}
	if err := writeJSON(s.failuresPath(runID), failures); err != nil {
		return fmt.Errorf("save failures of %s: %w", runID, err)
	}
	return nil
}

// LoadFailures returns the recorded failures of a run; a run without a
// failures file has none.
func (s *Store) LoadFailures(runID string) ([]Failure, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var failures []Failure
	if err := readJSON(s.failuresPath(runID), &failures); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	for i, f := range failures {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid failure[%d] on disk: %w", i, err)
		}
	}
	return failures, nil
}

// writeJSON replaces path with the indented JSON encoding of v. The file is
// written next to its destination, synced and renamed into place, so readers
// see either the old record or the new one.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if err := commitTemp(tmp, data, path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return syncDir(dir)
}

func commitTemp(tmp *os.File, data []byte, path string) error {
	_, err := tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// readJSON decodes exactly one JSON value from path into dst, rejecting
// fields dst does not declare.
func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if rest := bytes.TrimSpace(data[dec.InputOffset():]); len(rest) > 0 {
		return fmt.Errorf("decode %s: unexpected data after record", filepath.Base(path))
	}
	return nil
}
