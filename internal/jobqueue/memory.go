package jobqueue

import (
	"context"

	"github.com/barstat/progressd/internal/tracedata"
)

// MemoryQueue is an in-process fake Queue for tests: a buffered channel
// instead of a broker.
type MemoryQueue struct {
	ch chan tracedata.CompletedTrace
}

// NewMemoryQueue returns a fake Queue with the given channel capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan tracedata.CompletedTrace, capacity)}
}

func (q *MemoryQueue) Publish(ctx context.Context, trace tracedata.CompletedTrace) error {
	select {
	case q.ch <- trace:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case trace, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, trace); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *MemoryQueue) Close() error {
	close(q.ch)
	return nil
}

// RawChannel exposes the underlying channel for tests that want to
// observe a publish without running Consume.
func (q *MemoryQueue) RawChannel() <-chan tracedata.CompletedTrace { return q.ch }

var _ Queue = (*MemoryQueue)(nil)
