package hotstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAdapter is an in-memory fake Adapter for unit tests, mirroring the
// teacher's testutil.MockStore: mutex-guarded maps instead of a real
// backend, plus hooks to inject the races a real store would produce.
type MemoryAdapter struct {
	mu sync.Mutex

	traces map[string]TraceHash
	steps  map[string]StepHash
	active map[string]map[string]bool
	window map[string][]windowEntry
	month  map[string]map[string]int64

	subs map[string][]*memorySubscription

	// ConflictOnce, if set, makes the next Transition call for this
	// traceUID fail once with ErrCASConflict before succeeding, letting
	// tests exercise the Machine's CAS-retry budget.
	ConflictOnce map[string]bool
}

type windowEntry struct {
	traceUID  string
	createdAt time.Time
}

// NewMemoryAdapter returns a ready-to-use fake.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		traces:       make(map[string]TraceHash),
		steps:        make(map[string]StepHash),
		active:       make(map[string]map[string]bool),
		window:       make(map[string][]windowEntry),
		month:        make(map[string]map[string]int64),
		subs:         make(map[string][]*memorySubscription),
		ConflictOnce: make(map[string]bool),
	}
}

func (a *MemoryAdapter) Close() error { return nil }

var _ Adapter = (*MemoryAdapter)(nil)

func (a *MemoryAdapter) Transition(ctx context.Context, owner, bar, traceUID string, fn TransitionFunc) error {
	a.mu.Lock()

	tkey := traceKey(owner, bar, traceUID)
	if a.ConflictOnce[tkey] {
		delete(a.ConflictOnce, tkey)
		a.mu.Unlock()
		return ErrCASConflict
	}

	trace := a.traces[tkey]
	curPos := 0
	if trace.Exists {
		curPos = trace.CurrentStep
	}
	current := a.steps[stepKey(owner, bar, traceUID, curPos)]
	next := a.steps[stepKey(owner, bar, traceUID, curPos+1)]

	write, err := fn(TransitionCtx{
		Trace:           trace,
		CurrentPosition: curPos,
		Current:         current,
		NextPosition:    curPos + 1,
		Next:            next,
	})
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if write == nil {
		a.mu.Unlock()
		return nil
	}

	a.applyWriteLocked(owner, bar, traceUID, write)
	a.mu.Unlock()

	a.notify(owner, bar, traceUID)
	return nil
}

func (a *MemoryAdapter) applyWriteLocked(owner, bar, traceUID string, w *TraceWrite) {
	tkey := traceKey(owner, bar, traceUID)
	th := a.traces[tkey]
	th.Exists = true
	for k, v := range w.TraceFields {
		applyTraceField(&th, k, v)
	}
	a.traces[tkey] = th

	for pos, fields := range w.StepFields {
		skey := stepKey(owner, bar, traceUID, pos)
		sh := a.steps[skey]
		sh.Exists = true
		for k, v := range fields {
			applyStepField(&sh, k, v)
		}
		a.steps[skey] = sh
	}

	asetKey := activeSetKey(owner, bar, w.Version)
	if w.MarkActive {
		if a.active[asetKey] == nil {
			a.active[asetKey] = make(map[string]bool)
		}
		a.active[asetKey][traceUID] = true
	}
	if w.MarkDone {
		delete(a.active[asetKey], traceUID)
	}
}

func applyTraceField(th *TraceHash, k, v string) {
	switch k {
	case "created_at":
		th.CreatedAt, _ = parseTime(v)
	case "last_updated_at":
		th.LastUpdatedAt, _ = parseTime(v)
	case "current_step":
		var n int
		for _, c := range v {
			n = n*10 + int(c-'0')
		}
		th.CurrentStep = n
	case "done":
		th.Done = parseBool(v)
	case "aborted":
		th.Aborted = parseBool(v)
	}
}

func applyStepField(sh *StepHash, k, v string) {
	switch k {
	case "step_name":
		sh.StepName = v
	case "iteration":
		var n int
		for _, c := range v {
			n = n*10 + int(c-'0')
		}
		sh.Iteration = n
	case "iterations":
		var n int
		for _, c := range v {
			n = n*10 + int(c-'0')
		}
		sh.Iterations = n
	case "started_at":
		sh.StartedAt, _ = parseTime(v)
	case "finished_at":
		if v == "" {
			sh.FinishedAt = nil
			return
		}
		t, err := parseTime(v)
		if err == nil {
			sh.FinishedAt = &t
		}
	}
}

func (a *MemoryAdapter) GetTrace(ctx context.Context, owner, bar, traceUID string) (TraceHash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.traces[traceKey(owner, bar, traceUID)], nil
}

func (a *MemoryAdapter) GetStep(ctx context.Context, owner, bar, traceUID string, position int) (StepHash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.steps[stepKey(owner, bar, traceUID, position)], nil
}

func (a *MemoryAdapter) PublishTraceUpdate(ctx context.Context, owner, bar, traceUID string) error {
	a.notify(owner, bar, traceUID)
	return nil
}

type memorySubscription struct {
	c        chan Notification
	fixedUID string
	closed   bool
}

func (s *memorySubscription) C() <-chan Notification { return s.c }
func (s *memorySubscription) Close() error {
	if !s.closed {
		s.closed = true
		close(s.c)
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, owner, bar, traceUID string) (RawSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := channelKey(owner, bar, traceUID)
	sub := &memorySubscription{c: make(chan Notification, 16), fixedUID: traceUID}
	a.subs[key] = append(a.subs[key], sub)
	return sub, nil
}

func (a *MemoryAdapter) SubscribeBar(ctx context.Context, owner, bar string) (RawSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := channelPattern(owner, bar)
	sub := &memorySubscription{c: make(chan Notification, 64)}
	a.subs[key] = append(a.subs[key], sub)
	return sub, nil
}

func (a *MemoryAdapter) notify(owner, bar, traceUID string) {
	a.mu.Lock()
	n := Notification{OwnerSub: owner, BarName: bar, TraceUID: traceUID}
	var targets []*memorySubscription
	targets = append(targets, a.subs[channelKey(owner, bar, traceUID)]...)
	targets = append(targets, a.subs[channelPattern(owner, bar)]...)
	a.mu.Unlock()

	for _, s := range targets {
		if s.closed {
			continue
		}
		select {
		case s.c <- n:
		default:
		}
	}
}

func (a *MemoryAdapter) ActiveTraces(ctx context.Context, owner, bar string, version int) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.active[activeSetKey(owner, bar, version)]
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (a *MemoryAdapter) MarkAborted(ctx context.Context, owner, bar, traceUID string, version int) error {
	a.mu.Lock()
	tkey := traceKey(owner, bar, traceUID)
	th := a.traces[tkey]
	th.Aborted = true
	a.traces[tkey] = th
	delete(a.active[activeSetKey(owner, bar, version)], traceUID)
	a.mu.Unlock()
	return nil
}

func (a *MemoryAdapter) TraceCountWindowAdd(ctx context.Context, owner, bar string, version int, traceUID string, createdAt time.Time, ageSeconds int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := tcountKey(owner, bar, version)
	// Like a sorted-set member, a trace uid appears at most once.
	entries := a.window[key][:0]
	for _, e := range a.window[key] {
		if e.traceUID != traceUID {
			entries = append(entries, e)
		}
	}
	a.window[key] = append(entries, windowEntry{traceUID: traceUID, createdAt: createdAt})
	a.trimWindowLocked(key, createdAt, ageSeconds)
	return nil
}

func (a *MemoryAdapter) trimWindowLocked(key string, now time.Time, ageSeconds int64) {
	cutoff := now.Add(-time.Duration(ageSeconds) * time.Second)
	entries := a.window[key]
	kept := entries[:0]
	for _, e := range entries {
		if !e.createdAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	a.window[key] = kept
}

func (a *MemoryAdapter) TraceCountWindowSize(ctx context.Context, owner, bar string, version int, ageSeconds int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := tcountKey(owner, bar, version)
	// The fake has no clock: it trims relative to the newest entry, so
	// tests driving virtual timestamps see the window they inserted.
	if entries := a.window[key]; len(entries) > 0 {
		newest := entries[0].createdAt
		for _, e := range entries[1:] {
			if e.createdAt.After(newest) {
				newest = e.createdAt
			}
		}
		a.trimWindowLocked(key, newest, ageSeconds)
	}
	return int64(len(a.window[key])), nil
}

func (a *MemoryAdapter) TraceCountWindowMostRecent(ctx context.Context, owner, bar string, version int) (*time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := tcountKey(owner, bar, version)
	entries := a.window[key]
	if len(entries) == 0 {
		return nil, nil
	}
	best := entries[0].createdAt
	for _, e := range entries[1:] {
		if e.createdAt.After(best) {
			best = e.createdAt
		}
	}
	return &best, nil
}

func (a *MemoryAdapter) IncrMonthlyCounter(ctx context.Context, year, month int, ownerSub string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := monthlyCounterKey(year, month)
	if a.month[key] == nil {
		a.month[key] = make(map[string]int64)
	}
	a.month[key][ownerSub]++
	return a.month[key][ownerSub], nil
}
