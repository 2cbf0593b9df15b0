// Package sampling implements the retention decision of spec component
// E: for each completed trace, decide whether to persist it (and feed
// the predictor engine) or drop it, per the bar's configured technique.
package sampling

import (
	"context"
	"math/rand"

	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/hotstore"
	"github.com/barstat/progressd/internal/perr"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/tracedata"
)

// Retainer is invoked with a newly-retained trace, and after each
// systematic eviction, so the predictor engine can refit. Evict is passed
// an empty uid: the durable store's eviction does not report which trace
// it removed.
type Retainer interface {
	Retain(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace) error
	Evict(ctx context.Context, bs schema.BarSchema, evictedTraceUID string) error
}

// Policy evaluates completed traces against their bar's sampling
// technique and drives the retention writes of §4.E.
type Policy struct {
	durable durable.DataStore
	hot     hotstore.Adapter
	rand    func() float64
}

// New builds a Policy. randFn lets tests inject a deterministic source;
// production wiring passes rand.Float64.
func New(store durable.DataStore, hot hotstore.Adapter, randFn func() float64) *Policy {
	if randFn == nil {
		randFn = rand.Float64
	}
	return &Policy{durable: store, hot: hot, rand: randFn}
}

// Evaluate decides retain/drop for trace and, if retained, performs the
// retention writes and invokes retainer so the predictor engine can
// update. It returns whether the trace was retained.
func (p *Policy) Evaluate(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace, retainer Retainer) (bool, error) {
	switch bs.Bar.SamplingTechnique {
	case schema.SamplingSystematic:
		return p.evaluateSystematic(ctx, bs, trace, retainer)
	case schema.SamplingSimpleRandom:
		return p.evaluateSimpleRandom(ctx, bs, trace, retainer)
	default:
		return false, perr.New(perr.KindInternal, "unknown sampling technique")
	}
}

func (p *Policy) evaluateSystematic(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace, retainer Retainer) (bool, error) {
	ageSeconds := bs.Bar.EffectiveAgeSeconds()
	n := int64(bs.Bar.SamplingMaxCount)
	if n <= 0 {
		return false, perr.New(perr.KindInternal, "sampling_max_count must be positive")
	}
	interval := float64(ageSeconds) / float64(n)

	mostRecent, err := p.hot.TraceCountWindowMostRecent(ctx, trace.OwnerSub, trace.BarName, bs.Bar.Version)
	if err != nil {
		return false, perr.Wrap(perr.KindStoreUnavailable, "read most recent retained trace", err)
	}
	if mostRecent != nil {
		gap := trace.CreatedAt.Sub(*mostRecent).Seconds()
		if gap < interval {
			return false, nil
		}
	}

	if err := p.retain(ctx, bs, trace, retainer); err != nil {
		return false, err
	}

	count, err := p.durable.CountRetained(ctx, bs.Bar.ID)
	if err != nil {
		return true, perr.Wrap(perr.KindStoreUnavailable, "count retained traces", err)
	}
	if int64(count) > n {
		if err := p.durable.EvictOldestRetained(ctx, bs.Bar.ID); err != nil {
			return true, perr.Wrap(perr.KindStoreUnavailable, "evict oldest retained trace", err)
		}
		if err := retainer.Evict(ctx, bs, ""); err != nil {
			return true, err
		}
	}

	return true, nil
}

func (p *Policy) evaluateSimpleRandom(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace, retainer Retainer) (bool, error) {
	ageSeconds := bs.Bar.EffectiveAgeSeconds()
	n := float64(bs.Bar.SamplingMaxCount)

	if err := p.hot.TraceCountWindowAdd(ctx, trace.OwnerSub, trace.BarName, bs.Bar.Version, trace.TraceUID, trace.CreatedAt, ageSeconds); err != nil {
		return false, perr.Wrap(perr.KindStoreUnavailable, "update trace count window", err)
	}
	windowSize, err := p.hot.TraceCountWindowSize(ctx, trace.OwnerSub, trace.BarName, bs.Bar.Version, ageSeconds)
	if err != nil {
		return false, perr.Wrap(perr.KindStoreUnavailable, "read trace count window", err)
	}

	nWindow := float64(windowSize)
	pRetain := 1.0
	if nWindow > n {
		pRetain = n / nWindow
		if pRetain > 1 {
			pRetain = 1
		}
	}

	if p.rand() >= pRetain {
		return false, nil
	}

	if err := p.retain(ctx, bs, trace, retainer); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Policy) retain(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace, retainer Retainer) error {
	steps := make([]durable.RetainedStep, 0, len(trace.Steps))
	for _, s := range trace.Steps {
		steps = append(steps, durable.RetainedStep{
			TraceUID:    trace.TraceUID,
			Position:    s.Position,
			Iterations:  s.Iterations,
			StartedAt:   s.StartedAt,
			FinishedAt:  s.FinishedAt,
			DurationSec: s.DurationSeconds(),
		})
	}

	rt := durable.RetainedTrace{
		TraceUID:    trace.TraceUID,
		CreatedAt:   trace.CreatedAt,
		DurationSec: trace.DurationSeconds(),
	}
	if err := p.durable.InsertRetainedTrace(ctx, bs.Bar.ID, rt, steps); err != nil {
		return perr.Wrap(perr.KindStoreUnavailable, "insert retained trace", err)
	}

	// Also record this retention in the hot-store window for systematic's
	// "most recent retained" lookup — both techniques share the sorted set.
	if err := p.hot.TraceCountWindowAdd(ctx, trace.OwnerSub, trace.BarName, bs.Bar.Version, trace.TraceUID, trace.CreatedAt, bs.Bar.EffectiveAgeSeconds()); err != nil {
		return perr.Wrap(perr.KindStoreUnavailable, "record retention in trace count window", err)
	}

	if err := retainer.Retain(ctx, bs, trace); err != nil {
		return err
	}
	return nil
}
