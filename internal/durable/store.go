package durable

import (
	"context"
	"fmt"

	"github.com/barstat/progressd/internal/perr"
	"github.com/barstat/progressd/internal/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the pgx-backed DataStore, grounded on the teacher's own
// pgxpool wrapper: same pool-sizing defaults, same CopyFrom-for-batch
// idiom, same "exec a fixed statement per concern" style rather than a
// query builder.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and verifies it's reachable.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// GetBarSchema resolves (ownerSub, barName) to the bar's current schema:
// the progress_bars row plus its progress_bar_steps rows, position 0
// split out as the default step spec.
func (s *Store) GetBarSchema(ctx context.Context, ownerSub, barName string) (schema.BarSchema, error) {
	var bar schema.ProgressBar
	var maxAge *int64

	row := s.pool.QueryRow(ctx, `
		SELECT uid, user_sub, name, sampling_max_count, sampling_max_age_seconds,
		       sampling_technique, version, created_at
		FROM progress_bars
		WHERE user_sub = $1 AND name = $2
	`, ownerSub, barName)

	if err := row.Scan(&bar.ID, &bar.OwnerSub, &bar.Name, &bar.SamplingMaxCount,
		&maxAge, &bar.SamplingTechnique, &bar.Version, &bar.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return schema.BarSchema{}, schema.ErrNotFound
		}
		return schema.BarSchema{}, perr.Wrap(perr.KindStoreUnavailable, "query progress bar", err)
	}
	bar.SamplingMaxAgeSeconds = maxAge

	rows, err := s.pool.Query(ctx, `
		SELECT name, position, iterated, one_off_technique, one_off_percentile,
		       iterated_technique, iterated_percentile
		FROM progress_bar_steps
		WHERE progress_bar_uid = $1
		ORDER BY position ASC
	`, bar.ID)
	if err != nil {
		return schema.BarSchema{}, perr.Wrap(perr.KindStoreUnavailable, "query progress bar steps", err)
	}
	defer rows.Close()

	bs := schema.BarSchema{Bar: bar}
	for rows.Next() {
		var st schema.StepSpec
		if err := rows.Scan(&st.Name, &st.Position, &st.Iterated,
			&st.OneOffTechnique, &st.OneOffPercentile,
			&st.IteratedTechnique, &st.IteratedPercentile); err != nil {
			return schema.BarSchema{}, perr.Wrap(perr.KindStoreUnavailable, "scan progress bar step", err)
		}
		if st.Position == 0 {
			bs.Default = st
			continue
		}
		bs.Steps = append(bs.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return schema.BarSchema{}, perr.Wrap(perr.KindStoreUnavailable, "iterate progress bar steps", err)
	}

	return bs, nil
}

// ListBars enumerates every registered bar's (owner, name, version),
// for the idle-sweep ticker to drive SweepIdle across.
func (s *Store) ListBars(ctx context.Context) ([]BarRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_sub, name, version FROM progress_bars`)
	if err != nil {
		return nil, perr.Wrap(perr.KindStoreUnavailable, "query progress bars", err)
	}
	defer rows.Close()

	var out []BarRef
	for rows.Next() {
		var ref BarRef
		if err := rows.Scan(&ref.OwnerSub, &ref.BarName, &ref.Version); err != nil {
			return nil, perr.Wrap(perr.KindStoreUnavailable, "scan progress bar", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// InsertRetainedTrace appends one retained whole-trace sample and its
// per-step samples inside a single transaction, mirroring the teacher's
// preference for CopyFrom on the batch-write path. It is idempotent on
// (progress_bar_uid, uid): the job queue is an at-least-once JetStream
// consumer (internal/jobqueue/nats.go), so a redelivered completion
// must not double-insert the trace and skew every sample scan. This
// requires a unique index on progress_bar_traces(progress_bar_uid, uid)
// (spec §3.1).
func (s *Store) InsertRetainedTrace(ctx context.Context, barID string, trace RetainedTrace, steps []RetainedStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin retain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var traceRowID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO progress_bar_traces (progress_bar_uid, uid, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (progress_bar_uid, uid) DO NOTHING
		RETURNING id
	`, barID, trace.TraceUID, trace.DurationSec, trace.CreatedAt).Scan(&traceRowID)
	if err == pgx.ErrNoRows {
		// Already retained by a prior delivery of the same completion;
		// nothing left to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert retained trace: %w", err)
	}

	if len(steps) > 0 {
		rows := make([][]any, len(steps))
		for i, st := range steps {
			rows[i] = []any{traceRowID, st.Position, st.Iterations, st.StartedAt, st.FinishedAt, st.DurationSec}
		}
		_, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{"progress_bar_trace_steps"},
			[]string{"progress_bar_trace_id", "position", "iterations", "started_at", "finished_at", "duration_seconds"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy retained steps: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit retain tx: %w", err)
	}
	return nil
}

// EvictOldestRetained deletes the single oldest retained trace for barID,
// cascading to its step rows.
func (s *Store) EvictOldestRetained(ctx context.Context, barID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM progress_bar_traces
		WHERE id = (
			SELECT id FROM progress_bar_traces
			WHERE progress_bar_uid = $1
			ORDER BY created_at ASC
			LIMIT 1
		)
	`, barID)
	if err != nil {
		return fmt.Errorf("evict oldest retained trace: %w", err)
	}
	return nil
}

func (s *Store) CountRetained(ctx context.Context, barID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM progress_bar_traces WHERE progress_bar_uid = $1`, barID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retained traces: %w", err)
	}
	return n, nil
}

func (s *Store) WholeTraceSamples(ctx context.Context, barID string, limit int) ([]float64, error) {
	query := `SELECT duration_seconds FROM progress_bar_traces WHERE progress_bar_uid = $1 ORDER BY created_at DESC`
	args := []any{barID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query whole trace samples: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan whole trace sample: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) StepSamples(ctx context.Context, barID string, position int, limit int) ([]RetainedStep, error) {
	query := `
		SELECT t.uid, s.position, s.iterations, s.started_at, s.finished_at, s.duration_seconds
		FROM progress_bar_trace_steps s
		JOIN progress_bar_traces t ON t.id = s.progress_bar_trace_id
		WHERE t.progress_bar_uid = $1 AND s.position = $2
		ORDER BY t.created_at DESC
	`
	args := []any{barID, position}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step samples: %w", err)
	}
	defer rows.Close()

	var out []RetainedStep
	for rows.Next() {
		var st RetainedStep
		if err := rows.Scan(&st.TraceUID, &st.Position, &st.Iterations, &st.StartedAt, &st.FinishedAt, &st.DurationSec); err != nil {
			return nil, fmt.Errorf("scan step sample: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var _ DataStore = (*Store)(nil)
