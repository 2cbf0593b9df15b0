package schema

import (
	"context"
	"sync"

	"github.com/barstat/progressd/internal/perr"
)

// Store is the durable-store dependency the registry resolves schemas
// through. A miss is signaled with ErrNotFound.
type Store interface {
	GetBarSchema(ctx context.Context, ownerSub, barName string) (BarSchema, error)
}

// ErrNotFound is returned by a Store when no bar matches (owner, name).
var ErrNotFound = perr.New(perr.KindNoSuchBar, "no progress bar with that name")

// Registry resolves (owner, bar name) to the bar's current schema,
// caching the result until explicitly invalidated by a write to the
// durable store (registration itself is out of scope for this core;
// Invalidate is the seam a registration path calls into).
type Registry struct {
	store Store

	mu    sync.RWMutex
	cache map[string]BarSchema
}

// NewRegistry builds a Registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		cache: make(map[string]BarSchema),
	}
}

func cacheKey(ownerSub, barName string) string {
	return ownerSub + "\x00" + barName
}

// Resolve returns the current BarSchema for (ownerSub, barName), serving
// from cache when possible.
func (r *Registry) Resolve(ctx context.Context, ownerSub, barName string) (BarSchema, error) {
	key := cacheKey(ownerSub, barName)

	r.mu.RLock()
	if bs, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return bs, nil
	}
	r.mu.RUnlock()

	bs, err := r.store.GetBarSchema(ctx, ownerSub, barName)
	if err != nil {
		if pe, ok := perr.As(err); ok {
			return BarSchema{}, pe
		}
		return BarSchema{}, perr.Wrap(perr.KindStoreUnavailable, "resolve bar schema", err)
	}

	r.mu.Lock()
	r.cache[key] = bs
	r.mu.Unlock()

	return bs, nil
}

// Invalidate drops any cached schema for (ownerSub, barName). Callers on
// the registration path must invoke this atomically with the write that
// changed the bar or its steps.
func (r *Registry) Invalidate(ownerSub, barName string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(ownerSub, barName))
	r.mu.Unlock()
}

// InvalidateAll clears the entire cache. Used on process-local memoization
// resets when an external version bump is observed (§5).
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]BarSchema)
	r.mu.Unlock()
}
