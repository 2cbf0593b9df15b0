// Package durable is the relational store the core treats as an external
// collaborator (spec §6): progress bar definitions, their step specs, and
// the retained-trace/retained-step samples the predictor fits against.
// Registration of bars and steps, and everything upstream of "a schema
// already exists", is out of scope per spec §1 Non-goals; this package
// only reads what that surface would have written, plus appends the
// retention writes the sampling policy decides to keep.
package durable

import (
	"context"
	"time"

	"github.com/barstat/progressd/internal/schema"
)

// RetainedTrace is one row of progress_bar_traces the sampling policy
// chose to keep, with its whole-trace duration already known.
type RetainedTrace struct {
	TraceUID    string
	CreatedAt   time.Time
	DurationSec float64
}

// RetainedStep is one row of progress_bar_trace_steps: a single step's
// timing from a retained trace, keyed by the step's 1-based position.
type RetainedStep struct {
	TraceUID   string
	Position   int
	Iterations *int // nil for one-off steps
	StartedAt  time.Time
	FinishedAt time.Time
	DurationSec float64
}

// BarRef identifies one registered bar for the idle-sweep ticker to
// drive SweepIdle across: registration owns creating these rows, this
// core only enumerates what's already there.
type BarRef struct {
	OwnerSub string
	BarName  string
	Version  int
}

// DataStore is every durable-store operation the core needs. Bar/step
// registration is an external collaborator's responsibility; this core
// only ever reads bar schemas and appends/evicts retained samples.
type DataStore interface {
	schema.Store

	// ListBars enumerates every currently-registered bar, so the idle
	// sweep can run across every bar this deployment serves without
	// this core owning a registration surface of its own.
	ListBars(ctx context.Context) ([]BarRef, error)

	// InsertRetainedTrace appends a retained whole-trace sample and its
	// per-step samples in one transaction.
	InsertRetainedTrace(ctx context.Context, barID string, trace RetainedTrace, steps []RetainedStep) error

	// EvictOldestRetained deletes the oldest retained trace (and its step
	// rows, cascading) for barID, keeping the systematic policy's window
	// at its configured count.
	EvictOldestRetained(ctx context.Context, barID string) error

	// CountRetained returns how many traces are currently retained for barID.
	CountRetained(ctx context.Context, barID string) (int, error)

	// WholeTraceSamples returns the retained whole-trace durations for
	// barID, newest first, bounded by limit (0 means unbounded).
	WholeTraceSamples(ctx context.Context, barID string, limit int) ([]float64, error)

	// StepSamples returns the retained per-step samples at position for
	// barID, newest first; each carries its Iterations (nil for one-off
	// steps).
	StepSamples(ctx context.Context, barID string, position int, limit int) ([]RetainedStep, error)

	Close()
}
