package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/barstat/progressd/internal/tracedata"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName   = "TRACE_COMPLETIONS"
	subject      = "trace.completed"
	consumerName = "progressd-sampling"
)

// NATSQueue is the production Queue, grounded on the teacher's own
// JetStream ingester: same stream-ensure-then-consume shape, same
// durable explicit-ack consumer with a bounded redelivery count.
type NATSQueue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNATSQueue connects to natsURL and opens a JetStream context.
func NewNATSQueue(natsURL string) (*NATSQueue, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	q := &NATSQueue{nc: nc, js: js}
	if err := q.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *NATSQueue) ensureStream(ctx context.Context) error {
	_, err := q.js.Stream(ctx, streamName)
	if err == nil {
		return nil
	}
	_, err = q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	slog.Info("created stream", "name", streamName, "subjects", []string{subject})
	return nil
}

func (q *NATSQueue) Publish(ctx context.Context, trace tracedata.CompletedTrace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal completed trace: %w", err)
	}
	_, err = q.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish completed trace: %w", err)
	}
	return nil
}

func (q *NATSQueue) Consume(ctx context.Context, handler Handler) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var trace tracedata.CompletedTrace
		if err := json.Unmarshal(msg.Data(), &trace); err != nil {
			slog.Warn("malformed completion message, dropping", "error", err)
			_ = msg.Ack()
			return
		}
		if err := handler(ctx, trace); err != nil {
			slog.Warn("sampling handler failed, will redeliver", "trace_uid", trace.TraceUID, "error", err)
			_ = msg.Nak()
			return
		}
		if err := msg.Ack(); err != nil {
			slog.Warn("failed to ack completion message", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

func (q *NATSQueue) Close() error {
	return q.nc.Drain()
}

var _ Queue = (*NATSQueue)(nil)
