// Package stepevents defines the three step events the trace intake
// state machine consumes, as enumerated in spec §4.D.
package stepevents

import "time"

// Kind distinguishes the three event shapes.
type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindFinish   Kind = "finish"
)

// StepEvent is one event in the stream for a (owner, bar, trace) triple.
type StepEvent struct {
	Kind      Kind
	Position  int
	Timestamp time.Time

	// StepName and Iterations are set on Start only.
	StepName   string
	Iterations *int

	// Iteration is set on Progress only.
	Iteration *int
}

// Start builds a StepStart event.
func Start(position int, stepName string, iterations *int, ts time.Time) StepEvent {
	return StepEvent{Kind: KindStart, Position: position, StepName: stepName, Iterations: iterations, Timestamp: ts}
}

// Progress builds a StepProgress event.
func Progress(position, iteration int, ts time.Time) StepEvent {
	it := iteration
	return StepEvent{Kind: KindProgress, Position: position, Iteration: &it, Timestamp: ts}
}

// Finish builds a StepFinish event.
func Finish(position int, ts time.Time) StepEvent {
	return StepEvent{Kind: KindFinish, Position: position, Timestamp: ts}
}
