// Package subscribe implements the Subscription Fabric of spec
// component G: it wraps the hot-store's raw pub/sub primitive with
// bounded, per-reader queues so one slow subscriber can never block
// another, and marks a subscriber "lagged" instead of stalling on
// overflow.
package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/barstat/progressd/internal/hotstore"
)

const defaultQueueDepth = 32

// Subscription is a bounded, fan-out view onto one raw pub/sub source.
type Subscription struct {
	C <-chan hotstore.Notification

	mu     sync.Mutex
	lagged bool

	stop   chan struct{}
	closed bool
}

// Lagged reports whether this subscriber ever missed a notification
// because its queue was full. The reader must re-snapshot via the
// hot-state adapter (§4.C) after observing this.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close tears the subscription down; idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
}

// Fabric multiplexes raw hot-store pub/sub notifications to bounded
// local subscribers.
type Fabric struct {
	hot hotstore.Adapter

	idleTimeout time.Duration
	queueDepth  int
}

// New builds a Fabric. idleTimeout is how long a subscription survives
// without receiving a notification from the hot store before it's torn
// down (default 30s per §4.G when zero is passed).
func New(hot hotstore.Adapter, idleTimeout time.Duration) *Fabric {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Fabric{hot: hot, idleTimeout: idleTimeout, queueDepth: defaultQueueDepth}
}

// SubscribeTrace opens a bounded subscription to one trace's updates.
func (f *Fabric) SubscribeTrace(ctx context.Context, ownerSub, barName, traceUID string) (*Subscription, error) {
	raw, err := f.hot.Subscribe(ctx, ownerSub, barName, traceUID)
	if err != nil {
		return nil, err
	}
	return f.wrap(ctx, raw), nil
}

// SubscribeBar opens a bounded subscription to an entire bar's stream.
func (f *Fabric) SubscribeBar(ctx context.Context, ownerSub, barName string) (*Subscription, error) {
	raw, err := f.hot.SubscribeBar(ctx, ownerSub, barName)
	if err != nil {
		return nil, err
	}
	return f.wrap(ctx, raw), nil
}

func (f *Fabric) wrap(ctx context.Context, raw hotstore.RawSubscription) *Subscription {
	out := make(chan hotstore.Notification, f.queueDepth)
	sub := &Subscription{C: out, stop: make(chan struct{})}

	go f.pump(ctx, raw, sub, out)

	return sub
}

func (f *Fabric) pump(ctx context.Context, raw hotstore.RawSubscription, sub *Subscription, out chan hotstore.Notification) {
	defer raw.Close()
	defer close(out)

	idle := time.NewTimer(f.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		case <-idle.C:
			return
		case n, ok := <-raw.C():
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(f.idleTimeout)

			select {
			case out <- n:
			default:
				sub.mu.Lock()
				sub.lagged = true
				sub.mu.Unlock()
				// drop oldest, then enqueue the fresh notification.
				select {
				case <-out:
				default:
				}
				select {
				case out <- n:
				default:
				}
			}
		}
	}
}

