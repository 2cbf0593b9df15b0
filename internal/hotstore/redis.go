package hotstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter is the production Adapter, grounded on the original
// service's redis.asyncio pipelines (original_source/progress_bars/traces/
// steps/routes/create.py): HMGET to read, a WATCH/MULTI transaction to
// write, EXPIRE for the grace window, PUBLISH for fan-out.
type RedisAdapter struct {
	client *redis.Client

	inFlightTTL    time.Duration
	completionTTL  time.Duration
}

// NewRedisAdapter wraps an existing *redis.Client. inFlightTTL bounds how
// long an in-progress trace's hashes live without activity; completionTTL
// is the grace window after `done` is set (§4.D default 5 minutes).
func NewRedisAdapter(client *redis.Client, inFlightTTL, completionTTL time.Duration) *RedisAdapter {
	return &RedisAdapter{client: client, inFlightTTL: inFlightTTL, completionTTL: completionTTL}
}

var _ Adapter = (*RedisAdapter)(nil)

func (a *RedisAdapter) Close() error { return a.client.Close() }

func (a *RedisAdapter) readTrace(ctx context.Context, cmdable redis.Cmdable, key string) (TraceHash, error) {
	m, err := cmdable.HGetAll(ctx, key).Result()
	if err != nil {
		return TraceHash{}, err
	}
	if len(m) == 0 {
		return TraceHash{}, nil
	}
	var th TraceHash
	th.Exists = true
	if v, ok := m["created_at"]; ok {
		th.CreatedAt, _ = parseTime(v)
	}
	if v, ok := m["last_updated_at"]; ok {
		th.LastUpdatedAt, _ = parseTime(v)
	}
	if v, ok := m["current_step"]; ok {
		fmt.Sscanf(v, "%d", &th.CurrentStep)
	}
	if v, ok := m["done"]; ok {
		th.Done = parseBool(v)
	}
	if v, ok := m["aborted"]; ok {
		th.Aborted = parseBool(v)
	}
	return th, nil
}

func (a *RedisAdapter) readStep(ctx context.Context, cmdable redis.Cmdable, key string) (StepHash, error) {
	m, err := cmdable.HGetAll(ctx, key).Result()
	if err != nil {
		return StepHash{}, err
	}
	if len(m) == 0 {
		return StepHash{}, nil
	}
	var sh StepHash
	sh.Exists = true
	sh.StepName = m["step_name"]
	if v, ok := m["iteration"]; ok {
		fmt.Sscanf(v, "%d", &sh.Iteration)
	}
	if v, ok := m["iterations"]; ok {
		fmt.Sscanf(v, "%d", &sh.Iterations)
	}
	if v, ok := m["started_at"]; ok {
		sh.StartedAt, _ = parseTime(v)
	}
	if v, ok := m["finished_at"]; ok && v != "" {
		t, err := parseTime(v)
		if err == nil {
			sh.FinishedAt = &t
		}
	}
	return sh, nil
}

func (a *RedisAdapter) Transition(ctx context.Context, owner, bar, traceUID string, fn TransitionFunc) error {
	tkey := traceKey(owner, bar, traceUID)

	txErr := a.client.Watch(ctx, func(tx *redis.Tx) error {
		trace, err := a.readTrace(ctx, tx, tkey)
		if err != nil {
			return err
		}

		curPos := 0
		if trace.Exists {
			curPos = trace.CurrentStep
		}

		var current StepHash
		if trace.Exists {
			current, err = a.readStep(ctx, tx, stepKey(owner, bar, traceUID, curPos))
			if err != nil {
				return err
			}
		}
		next, err := a.readStep(ctx, tx, stepKey(owner, bar, traceUID, curPos+1))
		if err != nil {
			return err
		}

		write, ferr := fn(TransitionCtx{
			Trace:           trace,
			CurrentPosition: curPos,
			Current:         current,
			NextPosition:    curPos + 1,
			Next:            next,
		})
		if ferr != nil {
			return ferr
		}
		if write == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			a.applyWrite(ctx, pipe, owner, bar, traceUID, write)
			return nil
		})
		return err
	}, tkey)

	if txErr == nil {
		return nil
	}
	if errors.Is(txErr, redis.TxFailedErr) {
		return ErrCASConflict
	}
	return txErr
}

func (a *RedisAdapter) applyWrite(ctx context.Context, pipe redis.Pipeliner, owner, bar, traceUID string, w *TraceWrite) {
	tkey := traceKey(owner, bar, traceUID)

	if len(w.TraceFields) > 0 {
		pipe.HSet(ctx, tkey, toAnyMap(w.TraceFields))
	}
	for pos, fields := range w.StepFields {
		if len(fields) > 0 {
			pipe.HSet(ctx, stepKey(owner, bar, traceUID, pos), toAnyMap(fields))
		}
	}

	ttl := w.TTL
	if w.MarkDone {
		ttl = a.completionTTL
	} else if ttl == 0 {
		ttl = a.inFlightTTL
	}

	pipe.Expire(ctx, tkey, ttl)
	for pos := range w.StepFields {
		pipe.Expire(ctx, stepKey(owner, bar, traceUID, pos), ttl)
	}

	if w.MarkActive {
		pipe.SAdd(ctx, activeSetKey(owner, bar, w.Version), traceUID)
	}
	if w.MarkDone {
		pipe.SRem(ctx, activeSetKey(owner, bar, w.Version), traceUID)
	}

	pipe.Publish(ctx, channelKey(owner, bar, traceUID), "updated")
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (a *RedisAdapter) GetTrace(ctx context.Context, owner, bar, traceUID string) (TraceHash, error) {
	return a.readTrace(ctx, a.client, traceKey(owner, bar, traceUID))
}

func (a *RedisAdapter) GetStep(ctx context.Context, owner, bar, traceUID string, position int) (StepHash, error) {
	return a.readStep(ctx, a.client, stepKey(owner, bar, traceUID, position))
}

func (a *RedisAdapter) PublishTraceUpdate(ctx context.Context, owner, bar, traceUID string) error {
	return a.client.Publish(ctx, channelKey(owner, bar, traceUID), "updated").Err()
}

type redisSubscription struct {
	ps *redis.PubSub
	c  chan Notification
	owner, bar string
	stop chan struct{}
}

func (s *redisSubscription) C() <-chan Notification { return s.c }

func (s *redisSubscription) Close() error {
	close(s.stop)
	return s.ps.Close()
}

func parseTraceUIDFromChannel(channel string) string {
	// ps:trace:{owner}:{bar}:{trace_uid}
	const prefix = "ps:trace:"
	if len(channel) <= len(prefix) {
		return ""
	}
	rest := channel[len(prefix):]
	// owner and bar never contain ':', trace_uid might in principle but
	// our ids package never emits one, so the 3rd field is the uid.
	parts := splitN3(rest)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func splitN3(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			parts = append(parts, s[start:i])
			start = i + 1
			if len(parts) == 2 {
				parts = append(parts, s[start:])
				return parts
			}
		}
	}
	if start <= len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func (a *RedisAdapter) Subscribe(ctx context.Context, owner, bar, traceUID string) (RawSubscription, error) {
	ps := a.client.Subscribe(ctx, channelKey(owner, bar, traceUID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, c: make(chan Notification, 1), owner: owner, bar: bar, stop: make(chan struct{})}
	go sub.pump(traceUID)
	return sub, nil
}

func (a *RedisAdapter) SubscribeBar(ctx context.Context, owner, bar string) (RawSubscription, error) {
	ps := a.client.PSubscribe(ctx, channelPattern(owner, bar))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, c: make(chan Notification, 64), owner: owner, bar: bar, stop: make(chan struct{})}
	go sub.pump("")
	return sub, nil
}

func (s *redisSubscription) pump(fixedTraceUID string) {
	ch := s.ps.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			uid := fixedTraceUID
			if uid == "" {
				uid = parseTraceUIDFromChannel(msg.Channel)
			}
			n := Notification{OwnerSub: s.owner, BarName: s.bar, TraceUID: uid}
			select {
			case s.c <- n:
			case <-s.stop:
				return
			}
		}
	}
}

func (a *RedisAdapter) ActiveTraces(ctx context.Context, owner, bar string, version int) ([]string, error) {
	return a.client.SMembers(ctx, activeSetKey(owner, bar, version)).Result()
}

func (a *RedisAdapter) MarkAborted(ctx context.Context, owner, bar, traceUID string, version int) error {
	tkey := traceKey(owner, bar, traceUID)
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, tkey, map[string]any{"aborted": "1"})
	pipe.Expire(ctx, tkey, a.completionTTL)
	pipe.SRem(ctx, activeSetKey(owner, bar, version), traceUID)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) TraceCountWindowAdd(ctx context.Context, owner, bar string, version int, traceUID string, createdAt time.Time, ageSeconds int64) error {
	key := tcountKey(owner, bar, version)
	pipe := a.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(createdAt.Unix()), Member: traceUID})
	cutoff := float64(createdAt.Unix() - ageSeconds)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
	_, err := pipe.Exec(ctx)
	return err
}

func (a *RedisAdapter) TraceCountWindowSize(ctx context.Context, owner, bar string, version int, ageSeconds int64) (int64, error) {
	key := tcountKey(owner, bar, version)
	cutoff := float64(time.Now().Unix() - ageSeconds)
	a.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
	return a.client.ZCard(ctx, key).Result()
}

func (a *RedisAdapter) TraceCountWindowMostRecent(ctx context.Context, owner, bar string, version int) (*time.Time, error) {
	key := tcountKey(owner, bar, version)
	zs, err := a.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	t := time.Unix(int64(zs[0].Score), 0).UTC()
	return &t, nil
}

func (a *RedisAdapter) IncrMonthlyCounter(ctx context.Context, year, month int, ownerSub string) (int64, error) {
	return a.client.HIncrBy(ctx, monthlyCounterKey(year, month), ownerSub, 1).Result()
}
