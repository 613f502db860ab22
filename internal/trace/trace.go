package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ExecutionTrace is the canonical record of what a pipeline run did.
//
// It captures logical decisions (ran, failed, skipped, halted), never
// timestamps, durations or process output, so two runs over the same plan
// with the same outcomes produce identical bytes.
type ExecutionTrace struct {
	// PlanHash identifies the stages, subjects and parameters of the run.
	PlanHash string
	Events   []TraceEvent
}

// TraceEventKind is the stable discriminator for TraceEvent.
// The string values are part of the trace's canonical bytes; do not rename.
type TraceEventKind string

const (
	EventStageStarted     TraceEventKind = "StageStarted"
	EventSubjectSucceeded TraceEventKind = "SubjectSucceeded"
	EventSubjectFailed    TraceEventKind = "SubjectFailed"
	EventSubjectSkipped   TraceEventKind = "SubjectSkipped"
	EventStageHalted      TraceEventKind = "StageHalted"
)

// TraceEvent is a single logical transition.
type TraceEvent struct {
	Kind TraceEventKind

	// Stage is the pipeline stage the event belongs to. Always required.
	Stage string

	// Subject is required for subject-level events.
	Subject string

	// Reason is a stable reason code (e.g. "OutputsExist", "ExitStatus").
	Reason string

	// Command names the external command that failed.
	Command string

	// Outputs lists the artifacts a successful or skipped subject has on disk.
	Outputs []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PlanHash == "" {
		return errors.New("planHash is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
		if isSubjectEvent(e.Kind) && e.Subject == "" {
			return fmt.Errorf("events[%d].subject is required for kind %q", i, e.Kind)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

func isSubjectEvent(kind TraceEventKind) bool {
	switch kind {
	case EventSubjectSucceeded, EventSubjectFailed, EventSubjectSkipped:
		return true
	default:
		return false
	}
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Canonicalization rules:
//   - Outputs are copied and sorted; empty slices become nil.
//   - Events are stably sorted by (stage, subject, kindOrder, reason, command, outputsLex).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		out := make([]string, len(t.Events[i].Outputs))
		copy(out, t.Events[i].Outputs)
		sort.Strings(out)
		t.Events[i].Outputs = out
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Command != b.Command {
			return a.Command < b.Command
		}
		return compareStringSlices(a.Outputs, b.Outputs)
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventStageStarted:
		return 10
	case EventSubjectSkipped:
		return 20
	case EventSubjectSucceeded:
		return 30
	case EventSubjectFailed:
		return 40
	case EventStageHalted:
		return 50
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy so the caller's slices are not mutated.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	c := ExecutionTrace{PlanHash: t.PlanHash}
	c.Events = make([]TraceEvent, len(t.Events))
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// WriteFile writes the canonical trace to path, creating parent directories.
func WriteFile(path string, t ExecutionTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// MarshalJSON fixes field ordering.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.PlanHash == "" {
		return nil, errors.New("planHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"planHash":`)
	ph, _ := json.Marshal(t.PlanHash)
	buf.Write(ph)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field ordering and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var outputs []string
	if len(e.Outputs) > 0 {
		outputs = make([]string, len(e.Outputs))
		copy(outputs, e.Outputs)
		sort.Strings(outputs)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "kind", string(e.Kind), true)
	writeField(&buf, "stage", e.Stage, false)
	writeField(&buf, "subject", e.Subject, false)
	writeField(&buf, "reason", e.Reason, false)
	writeField(&buf, "command", e.Command, false)
	if len(outputs) > 0 {
		buf.WriteString(`,"outputs":`)
		ob, _ := json.Marshal(outputs)
		buf.Write(ob)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name, value string, first bool) {
	if value == "" && !first {
		return
	}
	if !first {
		buf.WriteByte(',')
	}
	nb, _ := json.Marshal(name)
	vb, _ := json.Marshal(value)
	buf.Write(nb)
	buf.WriteByte(':')
	buf.Write(vb)
}
