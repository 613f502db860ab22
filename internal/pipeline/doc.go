// Package pipeline runs the per-subject stages that take a subject from a
// T1 scan to a forward solution.
//
// A Stage is a named action applied to one subject at a time. The Runner
// applies each enabled stage to every subject in order, honouring the
// stage's failure policy and the run mode, and reports what happened to the
// logger, the trace sink and the run ledger.
package pipeline
