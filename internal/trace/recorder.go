package trace

import "sync"

// Sink receives trace events from the pipeline runner.
//
// Implementations must not panic and cannot fail: tracing never changes the
// outcome of a run. Callers should go through SafeRecord.
type Sink interface {
	Record(event TraceEvent)
}

// SafeRecord delivers event to s, swallowing any panic from a faulty sink.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder keeps events in memory until the run ends. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(event.Outputs) > 0 {
		event.Outputs = append([]string(nil), event.Outputs...)
	}
	r.events = append(r.events, event)
}

// Snapshot returns a copy of all recorded events in recording order.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

// Trace returns the canonical trace of everything recorded so far for the
// run identified by planHash.
func (r *Recorder) Trace(planHash string) ExecutionTrace {
	tr := ExecutionTrace{PlanHash: planHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
