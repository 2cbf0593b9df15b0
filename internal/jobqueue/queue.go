// Package jobqueue decouples trace completion from sampling: the intake
// state machine (§4.D) hands a completed trace off here instead of
// calling the Sampling Policy in-process, so a slow durable-store write
// never blocks the writer that finished the trace. This is an addition
// beyond the core's in-process flow diagram in §2; the queue is treated
// the same way the core treats the durable and hot stores, as an
// external collaborator with a narrow contract.
package jobqueue

import (
	"context"

	"github.com/barstat/progressd/internal/tracedata"
)

// Handler processes one completed trace, handed off by a consumer.
type Handler func(ctx context.Context, trace tracedata.CompletedTrace) error

// Queue is the job-queue dependency. Publish hands a trace off
// asynchronously; Consume blocks, invoking handler for each delivery
// until ctx is done.
type Queue interface {
	Publish(ctx context.Context, trace tracedata.CompletedTrace) error
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
