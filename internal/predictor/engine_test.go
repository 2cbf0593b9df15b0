package predictor

import (
	"context"
	"testing"
	"time"

	"github.com/barstat/progressd/internal/clock"
	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/tracedata"
)

func tracedataOf() tracedata.CompletedTrace {
	return tracedata.CompletedTrace{
		Steps: []tracedata.StepRecord{{Position: 1}},
	}
}

func iterPtr(n int) *int { return &n }

func threeStepBar() schema.BarSchema {
	return schema.BarSchema{
		Bar: schema.ProgressBar{ID: "pbar_1", OwnerSub: "sub1", Name: "upload", SamplingMaxCount: 100, Version: 1},
		Default: schema.StepSpec{
			OneOffTechnique: schema.TechniqueArithmeticMean,
		},
		Steps: []schema.StepSpec{
			{Position: 1, Name: "s1", OneOffTechnique: schema.TechniqueArithmeticMean},
			{Position: 2, Name: "s2", OneOffTechnique: schema.TechniqueArithmeticMean},
			{Position: 3, Name: "s3", OneOffTechnique: schema.TechniqueArithmeticMean},
		},
	}
}

func seedStep(t *testing.T, store *durable.MemoryStore, barID string, position int, iterations *int, duration float64, base time.Time, idx int) {
	t.Helper()
	trace := durable.RetainedTrace{TraceUID: "trace_" + itoa(idx), CreatedAt: base.Add(time.Duration(idx) * time.Second), DurationSec: duration}
	step := durable.RetainedStep{
		TraceUID: trace.TraceUID, Position: position, Iterations: iterations,
		StartedAt: base, FinishedAt: base.Add(time.Duration(duration) * time.Second), DurationSec: duration,
	}
	if err := store.InsertRetainedTrace(context.Background(), barID, trace, []durable.RetainedStep{step}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// TestWholeTraceEstimate_ThreeOneOffSteps is scenario 1 from §8: whole
// trace estimate = 2 + 10 + 5 = 17.
func TestWholeTraceEstimate_ThreeOneOffSteps(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := threeStepBar()
	base := time.Unix(1_700_000_000, 0).UTC()

	for i, d := range []float64{1, 2, 3} {
		seedStep(t, store, bs.Bar.ID, 1, nil, d, base, i)
	}
	for i, d := range []float64{10, 10, 10} {
		seedStep(t, store, bs.Bar.ID, 2, nil, d, base, 10+i)
	}
	for i, d := range []float64{4, 5, 6} {
		seedStep(t, store, bs.Bar.ID, 3, nil, d, base, 20+i)
	}

	engine := New(store, clock.NewVirtual(base), time.Minute)
	est, err := engine.EstimateWhole(context.Background(), bs)
	if err != nil {
		t.Fatalf("EstimateWhole: %v", err)
	}
	if !est.CanonicalOK {
		t.Fatalf("expected canonical estimate to be ready")
	}
	if diff := est.Canonical - 17; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected whole estimate 17, got %v", est.Canonical)
	}
}

// TestPercentile90 is scenario 2 from §8.
func TestPercentile90(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := schema.BarSchema{
		Bar:     schema.ProgressBar{ID: "pbar_1", OwnerSub: "sub1", Name: "upload", SamplingMaxCount: 100, Version: 1},
		Default: schema.StepSpec{OneOffTechnique: schema.TechniqueArithmeticMean},
		Steps: []schema.StepSpec{
			{Position: 1, Name: "s1", OneOffTechnique: schema.TechniquePercentile, OneOffPercentile: 90},
		},
	}
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 1; i <= 10; i++ {
		seedStep(t, store, bs.Bar.ID, 1, nil, float64(i), base, i)
	}

	engine := New(store, clock.NewVirtual(base), time.Minute)
	est, err := engine.EstimateStep(context.Background(), bs, 1, nil)
	if err != nil {
		t.Fatalf("EstimateStep: %v", err)
	}
	if !est.OK || est.Seconds != 9 {
		t.Fatalf("expected p90 = 9, got %+v", est)
	}
}

// TestBestFitLinear is scenario 3 from §8: a=1, b=1, predict n=10 => 11.
func TestBestFitLinear(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := schema.BarSchema{
		Bar:     schema.ProgressBar{ID: "pbar_1", OwnerSub: "sub1", Name: "upload", SamplingMaxCount: 100, Version: 1},
		Default: schema.StepSpec{OneOffTechnique: schema.TechniqueArithmeticMean},
		Steps: []schema.StepSpec{
			{Position: 1, Name: "s1", Iterated: true, IteratedTechnique: schema.TechniqueLinear},
		},
	}
	base := time.Unix(1_700_000_000, 0).UTC()
	pairs := []struct{ n, t float64 }{{1, 2}, {2, 3}, {3, 4}, {4, 5}}
	for i, p := range pairs {
		n := int(p.n)
		seedStep(t, store, bs.Bar.ID, 1, &n, p.t, base, i)
	}

	engine := New(store, clock.NewVirtual(base), time.Minute)
	est, err := engine.EstimateStep(context.Background(), bs, 1, iterPtr(10))
	if err != nil {
		t.Fatalf("EstimateStep: %v", err)
	}
	if !est.OK {
		t.Fatalf("expected a ready estimate")
	}
	if diff := est.Seconds - 11; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected prediction 11 at n=10, got %v", est.Seconds)
	}
}

func TestEstimateStep_ZeroSamplesReturnsNotOK(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := threeStepBar()
	engine := New(store, clock.NewVirtual(time.Unix(0, 0)), time.Minute)

	est, err := engine.EstimateStep(context.Background(), bs, 1, nil)
	if err != nil {
		t.Fatalf("EstimateStep: %v", err)
	}
	if est.OK {
		t.Fatalf("expected not-OK for zero samples, got %+v", est)
	}
}

func TestLinearFit_DegeneratesToArithmeticMeanWithOneDistinctN(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := schema.BarSchema{
		Bar:     schema.ProgressBar{ID: "pbar_1", OwnerSub: "sub1", Name: "upload", SamplingMaxCount: 100, Version: 1},
		Default: schema.StepSpec{OneOffTechnique: schema.TechniqueArithmeticMean},
		Steps: []schema.StepSpec{
			{Position: 1, Name: "s1", Iterated: true, IteratedTechnique: schema.TechniqueLinear},
		},
	}
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, d := range []float64{4, 6} {
		n := 5
		seedStep(t, store, bs.Bar.ID, 1, &n, d, base, i)
	}

	engine := New(store, clock.NewVirtual(base), time.Minute)
	est, err := engine.EstimateStep(context.Background(), bs, 1, iterPtr(100))
	if err != nil {
		t.Fatalf("EstimateStep: %v", err)
	}
	// slope should be 0, intercept the mean of (4,6) = 5, independent of n.
	if !est.OK || est.Seconds != 5 {
		t.Fatalf("expected degenerate fit to predict the mean (5), got %+v", est)
	}
}

func TestRetain_MarksCellStaleForRecompute(t *testing.T) {
	store := durable.NewMemoryStore()
	bs := threeStepBar()
	base := time.Unix(1_700_000_000, 0).UTC()
	seedStep(t, store, bs.Bar.ID, 1, nil, 2, base, 0)

	clk := clock.NewVirtual(base)
	engine := New(store, clk, 0) // zero interval: no burst coalescing in this test

	first, err := engine.EstimateStep(context.Background(), bs, 1, nil)
	if err != nil || !first.OK || first.Seconds != 2 {
		t.Fatalf("unexpected first estimate: %+v err=%v", first, err)
	}

	seedStep(t, store, bs.Bar.ID, 1, nil, 4, base, 1)
	clk.Advance(time.Second)
	if err := engine.Retain(context.Background(), bs, tracedataOf()); err != nil {
		t.Fatalf("retain: %v", err)
	}

	second, err := engine.EstimateStep(context.Background(), bs, 1, nil)
	if err != nil {
		t.Fatalf("EstimateStep after retain: %v", err)
	}
	if second.Seconds != 3 {
		t.Fatalf("expected recomputed mean of [2,4] = 3, got %v", second.Seconds)
	}
}
