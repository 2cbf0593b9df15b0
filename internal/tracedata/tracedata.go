// Package tracedata is the shared projection of a finished trace passed
// from the intake state machine to the sampling policy, whether that
// handoff happens in-process or across the job queue.
package tracedata

import "time"

// StepRecord is one finished step's timing, as read back from the hot
// store at completion time.
type StepRecord struct {
	Position   int
	Iterations *int // nil for one-off steps
	StartedAt  time.Time
	FinishedAt time.Time
}

// DurationSeconds is FinishedAt - StartedAt in seconds.
func (s StepRecord) DurationSeconds() float64 {
	return s.FinishedAt.Sub(s.StartedAt).Seconds()
}

// CompletedTrace is the full in-memory projection of a trace that just
// reached its final position, handed to the Sampling Policy (§4.E).
type CompletedTrace struct {
	OwnerSub  string
	BarName   string
	BarID     string
	TraceUID  string
	Version   int
	CreatedAt time.Time
	Steps     []StepRecord // positions 1..K, in order
}

// DurationSeconds is the whole trace's wall-clock span: first step's
// started_at to the final step's finished_at.
func (t CompletedTrace) DurationSeconds() float64 {
	if len(t.Steps) == 0 {
		return 0
	}
	return t.Steps[len(t.Steps)-1].FinishedAt.Sub(t.Steps[0].StartedAt).Seconds()
}
