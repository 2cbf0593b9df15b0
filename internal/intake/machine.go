// Package intake implements the trace intake state machine of spec
// component D: validating incoming step events against a bar's schema,
// detecting drift, advancing a trace through fresh → running → completed
// or aborted, and hand-off to the sampling policy on completion.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/barstat/progressd/internal/clock"
	"github.com/barstat/progressd/internal/entitlements"
	"github.com/barstat/progressd/internal/hotstore"
	"github.com/barstat/progressd/internal/jobqueue"
	"github.com/barstat/progressd/internal/perr"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/stepevents"
	"github.com/barstat/progressd/internal/tracedata"
)

// Config bounds the machine's retry and expiry behavior.
type Config struct {
	// CASRetryBudget is how many times a losing Transition is retried
	// before surfacing Conflict.
	CASRetryBudget int
	// CompletionGraceTTL is how long a completed trace's hot-state hashes
	// survive for late readers.
	CompletionGraceTTL time.Duration
	// InFlightTTL bounds how long an untouched in-progress trace's hashes
	// live before the idle sweep can reap them.
	InFlightTTL time.Duration
	// IdleBound is how long without activity before a trace is aborted.
	IdleBound time.Duration
}

// DefaultConfig mirrors the defaults named in spec §4.D.
func DefaultConfig() Config {
	return Config{
		CASRetryBudget:     5,
		CompletionGraceTTL: 5 * time.Minute,
		InFlightTTL:        time.Hour,
		IdleBound:          time.Hour,
	}
}

// Machine drives one bar's traces through their lifecycle.
type Machine struct {
	hot          hotstore.Adapter
	registry     *schema.Registry
	clock        clock.Clock
	entitlements entitlements.Checker
	jobs         jobqueue.Queue
	cfg          Config
}

// New builds a Machine from its collaborators.
func New(hot hotstore.Adapter, registry *schema.Registry, clk clock.Clock, ent entitlements.Checker, jobs jobqueue.Queue, cfg Config) *Machine {
	return &Machine{hot: hot, registry: registry, clock: clk, entitlements: ent, jobs: jobs, cfg: cfg}
}

// BeginStep handles a StepStart event.
func (m *Machine) BeginStep(ctx context.Context, ownerSub, barName, traceUID string, evt stepevents.StepEvent) error {
	return m.handle(ctx, ownerSub, barName, traceUID, evt)
}

// ProgressStep handles a StepProgress event.
func (m *Machine) ProgressStep(ctx context.Context, ownerSub, barName, traceUID string, evt stepevents.StepEvent) error {
	return m.handle(ctx, ownerSub, barName, traceUID, evt)
}

// FinishStep handles a StepFinish event.
func (m *Machine) FinishStep(ctx context.Context, ownerSub, barName, traceUID string, evt stepevents.StepEvent) error {
	return m.handle(ctx, ownerSub, barName, traceUID, evt)
}

func (m *Machine) handle(ctx context.Context, ownerSub, barName, traceUID string, evt stepevents.StepEvent) error {
	bs, err := m.registry.Resolve(ctx, ownerSub, barName)
	if err != nil {
		return err
	}

	if evt.Kind == stepevents.KindStart && evt.Position == 1 {
		if allowed, err := m.entitlements.Allow(ctx, ownerSub); err != nil {
			return perr.Wrap(perr.KindStoreUnavailable, "entitlement check", err)
		} else if !allowed {
			return perr.New(perr.KindRateLimited, "owner is not entitled to start another trace")
		}
	}

	var completed *tracedata.CompletedTrace
	var driftErr error

	attempt := 0
	for {
		txErr := m.hot.Transition(ctx, ownerSub, barName, traceUID, func(tc hotstore.TransitionCtx) (*hotstore.TraceWrite, error) {
			driftErr = nil
			write, done, err := m.apply(bs, tc, evt)
			if err != nil {
				// A non-nil write alongside an error means apply wants the
				// trace force-aborted even though the triggering event is
				// rejected: commit the abort, then surface the error once
				// the transition lands.
				if write != nil {
					driftErr = err
					return write, nil
				}
				return nil, err
			}
			if done {
				completed = &tracedata.CompletedTrace{
					OwnerSub:  ownerSub,
					BarName:   barName,
					BarID:     bs.Bar.ID,
					TraceUID:  traceUID,
					Version:   bs.Bar.Version,
					CreatedAt: tc.Trace.CreatedAt,
				}
			}
			return write, nil
		})

		if txErr == nil {
			break
		}
		if txErr == hotstore.ErrCASConflict {
			attempt++
			if attempt > m.cfg.CASRetryBudget {
				return perr.New(perr.KindConflict, "exhausted compare-and-set retry budget")
			}
			continue
		}
		return txErr
	}

	if driftErr != nil {
		return driftErr
	}
	if completed != nil {
		return m.finalizeCompletion(ctx, bs, completed)
	}
	return nil
}

// apply computes the write plan (or validation failure) for one event
// against the current hot state, per the five validation rules of §4.D.
func (m *Machine) apply(bs schema.BarSchema, tc hotstore.TransitionCtx, evt stepevents.StepEvent) (*hotstore.TraceWrite, bool, error) {
	now := m.clock.Now()

	if !tc.Trace.Exists {
		if evt.Kind != stepevents.KindStart || evt.Position != 1 {
			return nil, false, perr.New(perr.KindValidation, "first event for a trace must be StepStart at position 1")
		}
		if err := checkSchema(bs, 1, evt); err != nil {
			return nil, false, err
		}
		return m.beginFresh(bs, now, evt), false, nil
	}

	if tc.Trace.Done {
		return nil, false, perr.New(perr.KindValidation, "trace already completed")
	}
	if tc.Trace.Aborted {
		return nil, false, perr.New(perr.KindValidation, "trace already aborted")
	}
	if evt.Timestamp.Before(tc.Trace.LastUpdatedAt) {
		return nil, false, perr.New(perr.KindValidation, "event timestamp precedes last observed activity")
	}

	switch evt.Kind {
	case stepevents.KindStart:
		return m.continueStart(bs, tc, now, evt)
	case stepevents.KindProgress:
		return m.progress(bs, tc, now, evt)
	case stepevents.KindFinish:
		return m.finish(bs, tc, now, evt)
	default:
		return nil, false, perr.New(perr.KindInternal, fmt.Sprintf("unknown event kind %q", evt.Kind))
	}
}

func (m *Machine) beginFresh(bs schema.BarSchema, now time.Time, evt stepevents.StepEvent) *hotstore.TraceWrite {
	return &hotstore.TraceWrite{
		TraceFields: map[string]string{
			"created_at":      formatTime(now),
			"last_updated_at": formatTime(now),
			"current_step":    "1",
			"done":            "0",
		},
		StepFields: map[int]map[string]string{
			1: stepFields(evt),
		},
		Version:    bs.Bar.Version,
		MarkActive: true,
	}
}

func (m *Machine) continueStart(bs schema.BarSchema, tc hotstore.TransitionCtx, now time.Time, evt stepevents.StepEvent) (*hotstore.TraceWrite, bool, error) {
	if evt.Position != tc.CurrentPosition+1 {
		return nil, false, perr.New(perr.KindValidation, "StepStart must advance position by exactly one")
	}
	if tc.Current.Exists && tc.Current.FinishedAt == nil {
		return nil, false, perr.New(perr.KindValidation, "previous step has not finished")
	}
	if err := checkSchema(bs, evt.Position, evt); err != nil {
		return m.abortForDrift(bs, now), false, err
	}

	return &hotstore.TraceWrite{
		TraceFields: map[string]string{
			"last_updated_at": formatTime(now),
			"current_step":    itoa(evt.Position),
		},
		StepFields: map[int]map[string]string{
			evt.Position: stepFields(evt),
		},
		Version: bs.Bar.Version,
	}, false, nil
}

// abortForDrift force-closes a trace that has diverged from its
// registered schema mid-flight, mirroring hotstore.Adapter.MarkAborted:
// the trace leaves the active set and is marked aborted so no later
// event (even a correctly-named retry) can resume it, and idle expiry
// never mistakenly reports it as a timeout.
func (m *Machine) abortForDrift(bs schema.BarSchema, now time.Time) *hotstore.TraceWrite {
	return &hotstore.TraceWrite{
		TraceFields: map[string]string{
			"last_updated_at": formatTime(now),
			"aborted":         "1",
		},
		Version:  bs.Bar.Version,
		MarkDone: true,
	}
}

func (m *Machine) progress(bs schema.BarSchema, tc hotstore.TransitionCtx, now time.Time, evt stepevents.StepEvent) (*hotstore.TraceWrite, bool, error) {
	if evt.Position != tc.CurrentPosition || !tc.Current.Exists || tc.Current.FinishedAt != nil {
		return nil, false, perr.New(perr.KindValidation, "StepProgress requires an active step at the current position")
	}
	if tc.Current.Iterations == 0 {
		return nil, false, perr.New(perr.KindValidation, "StepProgress on a non-iterated step")
	}
	if evt.Iteration == nil {
		return nil, false, perr.New(perr.KindValidation, "StepProgress requires an iteration number")
	}
	it := *evt.Iteration
	if it <= tc.Current.Iteration || it > tc.Current.Iterations {
		return nil, false, perr.New(perr.KindValidation, "iteration must strictly increase and stay within bounds")
	}

	return &hotstore.TraceWrite{
		TraceFields: map[string]string{"last_updated_at": formatTime(now)},
		StepFields: map[int]map[string]string{
			evt.Position: {"iteration": itoa(it)},
		},
		Version: bs.Bar.Version,
	}, false, nil
}

func (m *Machine) finish(bs schema.BarSchema, tc hotstore.TransitionCtx, now time.Time, evt stepevents.StepEvent) (*hotstore.TraceWrite, bool, error) {
	if evt.Position != tc.CurrentPosition || !tc.Current.Exists || tc.Current.FinishedAt != nil {
		return nil, false, perr.New(perr.KindValidation, "StepFinish requires an active step at the current position")
	}

	finishFields := map[string]string{"finished_at": formatTime(now)}
	if tc.Current.Iterations > 0 {
		// StepFinish always completes the full iteration count, regardless
		// of how many StepProgress events were observed.
		finishFields["iteration"] = itoa(tc.Current.Iterations)
	}

	write := &hotstore.TraceWrite{
		TraceFields: map[string]string{"last_updated_at": formatTime(now)},
		StepFields: map[int]map[string]string{
			evt.Position: finishFields,
		},
		Version: bs.Bar.Version,
	}

	if bs.IsLast(evt.Position) {
		write.TraceFields["done"] = "1"
		write.MarkDone = true
		return write, true, nil
	}
	return write, false, nil
}

func checkSchema(bs schema.BarSchema, position int, evt stepevents.StepEvent) error {
	spec, ok := bs.StepAt(position)
	if !ok {
		return perr.Drift("no step spec at this position", perr.DriftDetail{
			Position: position,
			Reason:   "position out of range",
		})
	}
	if spec.Name != evt.StepName {
		return perr.Drift("step name mismatch", perr.DriftDetail{
			Position: position, ExpectedName: spec.Name, ActualName: evt.StepName, Reason: "name",
		})
	}
	hasIterations := evt.Iterations != nil
	if spec.Iterated != hasIterations {
		return perr.Drift("iterated/iterations-presence mismatch", perr.DriftDetail{
			Position: position, ExpectedName: spec.Name, ActualName: evt.StepName, Reason: "iterated",
		})
	}
	return nil
}

// finalizeCompletion reads back the finished step hashes, publishes the
// completion notification, and hands the trace off to the sampling
// policy via the job queue.
func (m *Machine) finalizeCompletion(ctx context.Context, bs schema.BarSchema, completed *tracedata.CompletedTrace) error {
	for pos := 1; pos <= bs.K(); pos++ {
		sh, err := m.hot.GetStep(ctx, completed.OwnerSub, completed.BarName, completed.TraceUID, pos)
		if err != nil {
			return perr.Wrap(perr.KindStoreUnavailable, "read finished step", err)
		}
		var iterations *int
		if sh.Iterations > 0 {
			n := sh.Iterations
			iterations = &n
		}
		finishedAt := sh.StartedAt
		if sh.FinishedAt != nil {
			finishedAt = *sh.FinishedAt
		}
		completed.Steps = append(completed.Steps, tracedata.StepRecord{
			Position:   pos,
			Iterations: iterations,
			StartedAt:  sh.StartedAt,
			FinishedAt: finishedAt,
		})
	}

	if err := m.hot.PublishTraceUpdate(ctx, completed.OwnerSub, completed.BarName, completed.TraceUID); err != nil {
		return perr.Wrap(perr.KindStoreUnavailable, "publish completion notification", err)
	}

	if err := m.jobs.Publish(ctx, *completed); err != nil {
		return perr.Wrap(perr.KindStoreUnavailable, "enqueue sampling job", err)
	}
	return nil
}

// SweepIdle aborts traces in (ownerSub, barName, version) whose
// last_updated_at is older than the machine's idle bound. It never
// submits an aborted trace to sampling.
func (m *Machine) SweepIdle(ctx context.Context, ownerSub, barName string, version int) (int, error) {
	uids, err := m.hot.ActiveTraces(ctx, ownerSub, barName, version)
	if err != nil {
		return 0, perr.Wrap(perr.KindStoreUnavailable, "list active traces", err)
	}

	now := m.clock.Now()
	aborted := 0
	for _, uid := range uids {
		trace, err := m.hot.GetTrace(ctx, ownerSub, barName, uid)
		if err != nil {
			return aborted, perr.Wrap(perr.KindStoreUnavailable, "read trace during idle sweep", err)
		}
		if !trace.Exists || trace.Done || trace.Aborted {
			continue
		}
		if now.Sub(trace.LastUpdatedAt) < m.cfg.IdleBound {
			continue
		}
		if err := m.hot.MarkAborted(ctx, ownerSub, barName, uid, version); err != nil {
			return aborted, perr.Wrap(perr.KindStoreUnavailable, "mark trace aborted", err)
		}
		aborted++
	}
	return aborted, nil
}

func stepFields(evt stepevents.StepEvent) map[string]string {
	f := map[string]string{
		"step_name":  evt.StepName,
		"started_at": formatTime(evt.Timestamp),
		"iteration":  "0",
	}
	if evt.Iterations != nil {
		f["iterations"] = itoa(*evt.Iterations)
	} else {
		f["iterations"] = "0"
	}
	return f
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
