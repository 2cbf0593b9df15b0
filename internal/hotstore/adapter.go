package hotstore

import (
	"context"
	"time"
)

// TransitionCtx is the state a TransitionFunc is given to decide the
// next write: the trace hash, plus the step hash at the trace's current
// position and the one immediately after it (the two positions every
// rule in spec §4.D needs to reason about).
type TransitionCtx struct {
	Trace TraceHash

	CurrentPosition int
	Current         StepHash

	NextPosition int
	Next         StepHash
}

// TraceWrite is the write plan a TransitionFunc returns on success. A nil
// write (with a nil error) means "no-op, but still a successful no-op".
type TraceWrite struct {
	TraceFields map[string]string
	StepFields  map[int]map[string]string

	// TTL overrides the adapter's default in-flight TTL for this write.
	TTL time.Duration

	// Version is the bar version, needed to address the active-trace set.
	Version int
	// MarkActive adds the trace to the bar's active-trace set (on create).
	MarkActive bool
	// MarkDone removes the trace from the active-trace set (on completion
	// or abort) and applies the completion-grace TTL instead of TTL above.
	MarkDone bool
}

// TransitionFunc inspects the current hot state and either returns the
// write to perform, or an error (typically a *perr.Error) that aborts
// the transition with no write.
type TransitionFunc func(TransitionCtx) (*TraceWrite, error)

// RawSubscription is the pub/sub primitive the Subscription Fabric (§4.G)
// builds bounded, fan-out subscribers on top of.
type RawSubscription interface {
	C() <-chan Notification
	Close() error
}

// Adapter is the Hot-State Store Adapter of spec §4.C.
type Adapter interface {
	// Transition performs one optimistically-concurrent read-modify-write
	// against the trace identified by (ownerSub, barName, traceUID). It
	// returns ErrCASConflict if a concurrent writer won the race; the
	// caller owns the retry budget (spec §4.D tie-break rule).
	Transition(ctx context.Context, ownerSub, barName, traceUID string, fn TransitionFunc) error

	GetTrace(ctx context.Context, ownerSub, barName, traceUID string) (TraceHash, error)
	GetStep(ctx context.Context, ownerSub, barName, traceUID string, position int) (StepHash, error)

	PublishTraceUpdate(ctx context.Context, ownerSub, barName, traceUID string) error
	Subscribe(ctx context.Context, ownerSub, barName, traceUID string) (RawSubscription, error)
	SubscribeBar(ctx context.Context, ownerSub, barName string) (RawSubscription, error)

	// ActiveTraces lists in-flight trace uids for (ownerSub, barName,
	// version), used by the idle-expiry sweep.
	ActiveTraces(ctx context.Context, ownerSub, barName string, version int) ([]string, error)
	// MarkAborted force-closes an idle trace: best-effort, no CAS needed.
	MarkAborted(ctx context.Context, ownerSub, barName, traceUID string, version int) error

	// TraceCountWindowAdd records a trace's created_at in the bar's
	// rolling sorted set and trims entries older than ageSeconds. The
	// sampling policy adds every retained trace, and under simple_random
	// every completed trace as well.
	TraceCountWindowAdd(ctx context.Context, ownerSub, barName string, version int, traceUID string, createdAt time.Time, ageSeconds int64) error
	// TraceCountWindowSize returns the (trimmed) window's cardinality.
	TraceCountWindowSize(ctx context.Context, ownerSub, barName string, version int, ageSeconds int64) (int64, error)
	// TraceCountWindowMostRecent returns the created_at of the most
	// recently retained trace in the window, if any.
	TraceCountWindowMostRecent(ctx context.Context, ownerSub, barName string, version int) (*time.Time, error)

	IncrMonthlyCounter(ctx context.Context, year, month int, ownerSub string) (int64, error)

	Close() error
}
