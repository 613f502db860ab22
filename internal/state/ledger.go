package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger tracks one run: it writes run.json when the run starts, appends to
// failures.json as subjects fail, and closes the run with its final status.
type Ledger struct {
	store *Store
	now   func() time.Time

	mu       sync.Mutex
	run      Run
	failures []Failure
}

// NewRunID returns a fresh run identifier. Identifiers are time-ordered
// (UUIDv7) so a sorted directory listing is also chronological.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// StartRun assigns a run id when missing, stamps the start time and persists
// the run in status running.
func StartRun(store *Store, run Run) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("Store is required")
	}
	l := &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
	if run.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		run.RunID = id
	}
	if run.StartTime.IsZero() {
		run.StartTime = l.now()
	}
	if run.Stages == nil {
		run.Stages = []string{}
	}
	if run.Subjects == nil {
		run.Subjects = []string{}
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	if err := store.SaveRun(run); err != nil {
		return nil, err
	}
	l.run = run
	return l, nil
}

// RunID returns the identifier of the tracked run.
func (l *Ledger) RunID() string {
	if l == nil {
		return ""
	}
	return l.run.RunID
}

// RecordFailure appends a failure and rewrites failures.json.
func (l *Ledger) RecordFailure(f Failure) error {
	if l == nil {
		return nil
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := append(append([]Failure(nil), l.failures...), f)
	if err := l.store.SaveFailures(l.run.RunID, next); err != nil {
		return err
	}
	l.failures = next
	return nil
}

// Finish records the end time and final status.
func (l *Ledger) Finish(status RunStatus) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	run := l.run
	end := l.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	if err := l.store.SaveRun(run); err != nil {
		return err
	}
	l.run = run
	return nil
}
