package durable

import (
	"context"
	"sort"
	"sync"

	"github.com/barstat/progressd/internal/schema"
)

// MemoryStore is an in-memory fake DataStore for unit tests, in the
// teacher's testutil.MockStore shape: plain maps behind a mutex, with
// call counters a test can assert against.
type MemoryStore struct {
	mu sync.Mutex

	bars map[string]schema.BarSchema // keyed by ownerSub + "\x00" + name

	traces map[string][]RetainedTrace  // keyed by bar id
	steps  map[string][]RetainedStep   // keyed by bar id, all positions mixed

	EvictCalls int
	InsertCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:   make(map[string]schema.BarSchema),
		traces: make(map[string][]RetainedTrace),
		steps:  make(map[string][]RetainedStep),
	}
}

func barKey(ownerSub, name string) string { return ownerSub + "\x00" + name }

// Seed registers a bar schema directly, bypassing the (out-of-scope)
// registration surface.
func (m *MemoryStore) Seed(bs schema.BarSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[barKey(bs.Bar.OwnerSub, bs.Bar.Name)] = bs
}

func (m *MemoryStore) GetBarSchema(ctx context.Context, ownerSub, barName string) (schema.BarSchema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.bars[barKey(ownerSub, barName)]
	if !ok {
		return schema.BarSchema{}, schema.ErrNotFound
	}
	return bs, nil
}

func (m *MemoryStore) ListBars(ctx context.Context) ([]BarRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BarRef, 0, len(m.bars))
	for _, bs := range m.bars {
		out = append(out, BarRef{OwnerSub: bs.Bar.OwnerSub, BarName: bs.Bar.Name, Version: bs.Bar.Version})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerSub != out[j].OwnerSub {
			return out[i].OwnerSub < out[j].OwnerSub
		}
		return out[i].BarName < out[j].BarName
	})
	return out, nil
}

// InsertRetainedTrace mirrors Store's (progress_bar_uid, uid) uniqueness
// guard: a trace already retained for barID is a no-op, so a redelivered
// completion from the job queue can't double-count it.
func (m *MemoryStore) InsertRetainedTrace(ctx context.Context, barID string, trace RetainedTrace, steps []RetainedStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.traces[barID] {
		if t.TraceUID == trace.TraceUID {
			return nil
		}
	}
	m.InsertCalls++
	m.traces[barID] = append(m.traces[barID], trace)
	m.steps[barID] = append(m.steps[barID], steps...)
	return nil
}

func (m *MemoryStore) EvictOldestRetained(ctx context.Context, barID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EvictCalls++
	ts := m.traces[barID]
	if len(ts) == 0 {
		return nil
	}
	oldestIdx := 0
	for i, t := range ts {
		if t.CreatedAt.Before(ts[oldestIdx].CreatedAt) {
			oldestIdx = i
		}
	}
	evicted := ts[oldestIdx]
	m.traces[barID] = append(ts[:oldestIdx], ts[oldestIdx+1:]...)

	kept := m.steps[barID][:0]
	for _, st := range m.steps[barID] {
		if st.TraceUID != evicted.TraceUID {
			kept = append(kept, st)
		}
	}
	m.steps[barID] = kept
	return nil
}

func (m *MemoryStore) CountRetained(ctx context.Context, barID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.traces[barID]), nil
}

func (m *MemoryStore) WholeTraceSamples(ctx context.Context, barID string, limit int) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := append([]RetainedTrace(nil), m.traces[barID]...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].CreatedAt.After(ts[j].CreatedAt) })
	if limit > 0 && limit < len(ts) {
		ts = ts[:limit]
	}
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.DurationSec
	}
	return out, nil
}

func (m *MemoryStore) StepSamples(ctx context.Context, barID string, position int, limit int) ([]RetainedStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []RetainedStep
	for _, st := range m.steps[barID] {
		if st.Position == position {
			matched = append(matched, st)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) Close() {}

var _ DataStore = (*MemoryStore)(nil)
