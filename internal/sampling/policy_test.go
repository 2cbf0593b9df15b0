package sampling

import (
	"context"
	"testing"
	"time"

	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/hotstore"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/tracedata"
)

type recordingRetainer struct {
	retained []tracedata.CompletedTrace
	evicted  []string
}

func (r *recordingRetainer) Retain(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace) error {
	r.retained = append(r.retained, trace)
	return nil
}

func (r *recordingRetainer) Evict(ctx context.Context, bs schema.BarSchema, evictedTraceUID string) error {
	r.evicted = append(r.evicted, evictedTraceUID)
	return nil
}

func systematicBar() schema.BarSchema {
	return schema.BarSchema{
		Bar: schema.ProgressBar{
			ID: "pbar_1", OwnerSub: "sub1", Name: "upload",
			SamplingMaxCount: 2, SamplingTechnique: schema.SamplingSystematic, Version: 1,
		},
	}
}

func traceAt(uid string, t time.Time) tracedata.CompletedTrace {
	return tracedata.CompletedTrace{
		OwnerSub: "sub1", BarName: "upload", BarID: "pbar_1", TraceUID: uid, CreatedAt: t,
		Steps: []tracedata.StepRecord{{Position: 1, StartedAt: t, FinishedAt: t.Add(time.Second)}},
	}
}

// TestSystematic_RetainsAtTheConfiguredIntervalAndEvicts exercises the
// end-to-end scenario from the spec's testable properties: N=2, A=10s,
// traces complete at t=0,3,5,8,11, expect retained {t=5, t=11} after trim.
func TestSystematic_RetainsAtTheConfiguredIntervalAndEvicts(t *testing.T) {
	store := durable.NewMemoryStore()
	hot := hotstore.NewMemoryAdapter()
	policy := New(store, hot, func() float64 { return 0 })
	bs := systematicBar()
	ageSeconds := int64(10)
	bs.Bar.SamplingMaxAgeSeconds = &ageSeconds

	base := time.Unix(1_700_000_000, 0).UTC()
	offsets := []int{0, 3, 5, 8, 11}
	retainer := &recordingRetainer{}

	var retainedUIDs []string
	for _, off := range offsets {
		trace := traceAt(uidFor(off), base.Add(time.Duration(off)*time.Second))
		retained, err := policy.Evaluate(context.Background(), bs, trace, retainer)
		if err != nil {
			t.Fatalf("evaluate at offset %d: %v", off, err)
		}
		if retained {
			retainedUIDs = append(retainedUIDs, trace.TraceUID)
		}
	}

	if len(retainedUIDs) != 3 {
		t.Fatalf("expected 3 traces to pass the interval check before eviction, got %v", retainedUIDs)
	}

	count, err := store.CountRetained(context.Background(), "pbar_1")
	if err != nil {
		t.Fatalf("count retained: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected eviction to trim retained count to 2, got %d", count)
	}

	samples, err := store.WholeTraceSamples(context.Background(), "pbar_1", 0)
	if err != nil {
		t.Fatalf("whole trace samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 remaining samples, got %d", len(samples))
	}
}

func uidFor(offset int) string {
	return "trace_" + string(rune('a'+offset))
}

func TestSimpleRandom_AlwaysRetainsWhileBelowMaxCount(t *testing.T) {
	store := durable.NewMemoryStore()
	hot := hotstore.NewMemoryAdapter()
	// rand() returning 0.99 would reject a draw, but while n<=N retention
	// is forced regardless of the draw.
	policy := New(store, hot, func() float64 { return 0.99 })

	bs := schema.BarSchema{Bar: schema.ProgressBar{
		ID: "pbar_1", OwnerSub: "sub1", Name: "upload",
		SamplingMaxCount: 5, SamplingTechnique: schema.SamplingSimpleRandom, Version: 1,
	}}

	base := time.Unix(1_700_000_000, 0).UTC()
	retainer := &recordingRetainer{}
	retained, err := policy.Evaluate(context.Background(), bs, traceAt("t1", base), retainer)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !retained {
		t.Fatalf("expected retention while window size <= N")
	}
}

func TestSimpleRandom_DrawAboveThresholdDrops(t *testing.T) {
	store := durable.NewMemoryStore()
	hot := hotstore.NewMemoryAdapter()
	policy := New(store, hot, func() float64 { return 0.999 })

	bs := schema.BarSchema{Bar: schema.ProgressBar{
		ID: "pbar_1", OwnerSub: "sub1", Name: "upload",
		SamplingMaxCount: 1, SamplingTechnique: schema.SamplingSimpleRandom, Version: 1,
	}}

	base := time.Unix(1_700_000_000, 0).UTC()
	retainer := &recordingRetainer{}

	// first trace: window size becomes 1 == N, still forced retain.
	if _, err := policy.Evaluate(context.Background(), bs, traceAt("t1", base), retainer); err != nil {
		t.Fatalf("evaluate t1: %v", err)
	}
	// second trace: window size becomes 2 > N=1, p = 1/2; draw 0.999 rejects.
	retained, err := policy.Evaluate(context.Background(), bs, traceAt("t2", base.Add(time.Second)), retainer)
	if err != nil {
		t.Fatalf("evaluate t2: %v", err)
	}
	if retained {
		t.Fatalf("expected high draw to reject retention")
	}
}
