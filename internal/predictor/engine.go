// Package predictor implements the predictor engine of spec component F:
// per-step estimators and the derived whole-trace estimate, keyed by
// progress-bar version and technique. Cells are not updated in place: a
// retain or evict marks them stale, and the next query recomputes them
// from a full scan of the retained samples.
package predictor

import (
	"context"
	"sync"
	"time"

	"github.com/barstat/progressd/internal/clock"
	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/perr"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/tracedata"
)

// wholePosition is the sentinel position for the whole-trace cell.
const wholePosition = 0

type cellKey struct {
	barID        string
	version      int
	position     int
	techniqueKey string
}

type cellState struct {
	mu            sync.Mutex
	ready         bool
	stale         bool
	a, b          float64
	lastRecompute time.Time
}

// StepEstimate is the result of predicting one step's remaining/total time.
type StepEstimate struct {
	Seconds float64
	OK      bool
}

// WholeEstimate is the result of predicting the whole trace's duration,
// exposing both cells the spec's open question asks implementers to
// surface (§9): the canonical sum-of-per-step-predictions figure, and
// the default step's own technique applied directly to whole-trace
// durations.
type WholeEstimate struct {
	Canonical   float64
	CanonicalOK bool

	DefaultTechnique   float64
	DefaultTechniqueOK bool
}

// Engine materializes and refits PredictorCells lazily, per §4.F.
type Engine struct {
	store durable.DataStore
	clk   clock.Clock

	minRecomputeInterval time.Duration

	mu    sync.RWMutex
	cells map[cellKey]*cellState

	// barIndex tracks every cellKey ever queried for a (bar, version), so
	// Evict can invalidate the whole set without knowing in advance which
	// cells the evicted trace fed.
	barIndex map[string]map[cellKey]bool
}

// New builds an Engine. minRecomputeInterval bounds how often a stale
// cell is actually recomputed, coalescing bursts of retains/evicts.
func New(store durable.DataStore, clk clock.Clock, minRecomputeInterval time.Duration) *Engine {
	return &Engine{
		store:                store,
		clk:                  clk,
		minRecomputeInterval: minRecomputeInterval,
		cells:                make(map[cellKey]*cellState),
		barIndex:             make(map[string]map[cellKey]bool),
	}
}

func barVersionKey(barID string, version int) string {
	return barID + "\x00" + itoa(version)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (e *Engine) getOrCreate(ck cellKey) *cellState {
	e.mu.RLock()
	c, ok := e.cells[ck]
	e.mu.RUnlock()
	if ok {
		return c
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.cells[ck]; ok {
		return c
	}
	c = &cellState{stale: true}
	e.cells[ck] = c

	bvk := barVersionKey(ck.barID, ck.version)
	if e.barIndex[bvk] == nil {
		e.barIndex[bvk] = make(map[cellKey]bool)
	}
	e.barIndex[bvk][ck] = true

	return c
}

// EstimateStep predicts the time for a step at position, given the
// iterations count at request time. For an iterated step a nil count
// predicts a single iteration (n = 1); EstimateWhole computes the median
// retained count itself and passes it in.
func (e *Engine) EstimateStep(ctx context.Context, bs schema.BarSchema, position int, iterationsAtQuery *int) (StepEstimate, error) {
	spec, ok := bs.StepAt(position)
	if !ok {
		return StepEstimate{}, perr.New(perr.KindValidation, "no step at that position")
	}
	technique, percentile := spec.TechniqueFor()
	key := schema.TechniqueKey(technique, percentile)
	ck := cellKey{barID: bs.Bar.ID, version: bs.Bar.Version, position: position, techniqueKey: key}
	cell := e.getOrCreate(ck)

	if err := e.ensureFresh(ctx, cell, ck, bs, spec, technique); err != nil {
		return StepEstimate{}, err
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()
	if !cell.ready {
		return StepEstimate{OK: false}, nil
	}

	n := 1.0
	if spec.Iterated && iterationsAtQuery != nil {
		n = float64(*iterationsAtQuery)
	}

	if technique == schema.TechniqueLinear {
		return StepEstimate{Seconds: cell.a*n + cell.b, OK: true}, nil
	}
	if spec.Iterated {
		return StepEstimate{Seconds: cell.a * n, OK: true}, nil
	}
	return StepEstimate{Seconds: cell.a, OK: true}, nil
}

// ensureFresh materializes cell on first use, or recomputes it if stale
// and the minimum recompute interval has elapsed.
func (e *Engine) ensureFresh(ctx context.Context, cell *cellState, ck cellKey, bs schema.BarSchema, spec schema.StepSpec, technique schema.Technique) error {
	cell.mu.Lock()
	defer cell.mu.Unlock()

	if cell.ready && !cell.stale {
		return nil
	}
	if cell.ready && cell.stale && e.clk.Now().Sub(cell.lastRecompute) < e.minRecomputeInterval {
		return nil // coalesce burst: serve the last computed value
	}

	if technique == schema.TechniqueLinear {
		rows, err := e.store.StepSamples(ctx, bs.Bar.ID, ck.position, 0)
		if err != nil {
			return perr.Wrap(perr.KindStoreUnavailable, "scan step samples for linear fit", err)
		}
		samples := make([]linearSample, 0, len(rows))
		for _, r := range rows {
			if r.Iterations == nil {
				continue
			}
			samples = append(samples, linearSample{n: float64(*r.Iterations), t: r.DurationSec})
		}
		a, b, ok := fitLinear(samples)
		cell.a, cell.b, cell.ready = a, b, ok
	} else {
		rows, err := e.store.StepSamples(ctx, bs.Bar.ID, ck.position, 0)
		if err != nil {
			return perr.Wrap(perr.KindStoreUnavailable, "scan step samples", err)
		}
		samples := normalizedSamples(spec, rows)
		_, percentile := spec.TechniqueFor()
		a, ok := fitMeanOrPercentile(technique, percentile, samples)
		cell.a, cell.ready = a, ok
	}

	cell.stale = false
	cell.lastRecompute = e.clk.Now()
	return nil
}

func normalizedSamples(spec schema.StepSpec, rows []durable.RetainedStep) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if spec.Iterated {
			if r.Iterations == nil || *r.Iterations == 0 {
				continue
			}
			out = append(out, r.DurationSec/float64(*r.Iterations))
		} else {
			out = append(out, r.DurationSec)
		}
	}
	return out
}

// EstimateWhole predicts the whole trace's duration, per §4.F.
func (e *Engine) EstimateWhole(ctx context.Context, bs schema.BarSchema) (WholeEstimate, error) {
	var out WholeEstimate

	var canonical float64
	canonicalReady := true
	for pos := 1; pos <= bs.K(); pos++ {
		spec, _ := bs.StepAt(pos)
		var iterations *int
		if spec.Iterated {
			rows, err := e.store.StepSamples(ctx, bs.Bar.ID, pos, 0)
			if err != nil {
				return WholeEstimate{}, perr.Wrap(perr.KindStoreUnavailable, "scan step samples for median iterations", err)
			}
			var counts []int
			for _, r := range rows {
				if r.Iterations != nil {
					counts = append(counts, *r.Iterations)
				}
			}
			if len(counts) > 0 {
				med := int(medianInt(counts))
				iterations = &med
			}
		}
		est, err := e.EstimateStep(ctx, bs, pos, iterations)
		if err != nil {
			return WholeEstimate{}, err
		}
		if !est.OK {
			canonicalReady = false
			continue
		}
		canonical += est.Seconds
	}
	out.Canonical = canonical
	out.CanonicalOK = canonicalReady && bs.K() > 0

	technique, percentile := bs.Default.TechniqueFor()
	key := schema.TechniqueKey(technique, percentile)
	ck := cellKey{barID: bs.Bar.ID, version: bs.Bar.Version, position: wholePosition, techniqueKey: key}
	cell := e.getOrCreate(ck)
	if err := e.ensureFreshWhole(ctx, cell, bs, technique, percentile); err != nil {
		return WholeEstimate{}, err
	}
	cell.mu.Lock()
	out.DefaultTechnique = cell.a
	out.DefaultTechniqueOK = cell.ready
	cell.mu.Unlock()

	return out, nil
}

func (e *Engine) ensureFreshWhole(ctx context.Context, cell *cellState, bs schema.BarSchema, technique schema.Technique, percentile float64) error {
	cell.mu.Lock()
	defer cell.mu.Unlock()

	if cell.ready && !cell.stale {
		return nil
	}
	if cell.ready && cell.stale && e.clk.Now().Sub(cell.lastRecompute) < e.minRecomputeInterval {
		return nil
	}

	samples, err := e.store.WholeTraceSamples(ctx, bs.Bar.ID, 0)
	if err != nil {
		return perr.Wrap(perr.KindStoreUnavailable, "scan whole trace samples", err)
	}
	a, ok := fitMeanOrPercentile(technique, percentile, samples)
	cell.a, cell.ready = a, ok
	cell.stale = false
	cell.lastRecompute = e.clk.Now()
	return nil
}

// Retain implements sampling.Retainer: it marks every cell the newly
// retained trace's steps feed as stale, to be recomputed on next query.
func (e *Engine) Retain(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace) error {
	for _, s := range trace.Steps {
		spec, ok := bs.StepAt(s.Position)
		if !ok {
			continue
		}
		technique, percentile := spec.TechniqueFor()
		key := schema.TechniqueKey(technique, percentile)
		ck := cellKey{barID: bs.Bar.ID, version: bs.Bar.Version, position: s.Position, techniqueKey: key}
		e.markStale(ck)
	}
	e.invalidateWhole(bs)
	return nil
}

// Evict implements sampling.Retainer: since the eviction path does not
// know exactly which cells an evicted trace fed, it stales every cell
// materialized so far for (bar, version).
func (e *Engine) Evict(ctx context.Context, bs schema.BarSchema, evictedTraceUID string) error {
	e.mu.RLock()
	bvk := barVersionKey(bs.Bar.ID, bs.Bar.Version)
	keys := e.barIndex[bvk]
	e.mu.RUnlock()

	for ck := range keys {
		e.markStale(ck)
	}
	return nil
}

func (e *Engine) markStale(ck cellKey) {
	e.mu.RLock()
	c, ok := e.cells[ck]
	e.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (e *Engine) invalidateWhole(bs schema.BarSchema) {
	technique, percentile := bs.Default.TechniqueFor()
	key := schema.TechniqueKey(technique, percentile)
	e.markStale(cellKey{barID: bs.Bar.ID, version: bs.Bar.Version, position: wholePosition, techniqueKey: key})
}

var _ interface {
	Retain(ctx context.Context, bs schema.BarSchema, trace tracedata.CompletedTrace) error
	Evict(ctx context.Context, bs schema.BarSchema, evictedTraceUID string) error
} = (*Engine)(nil)
