package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barstat/progressd/internal/api"
	"github.com/barstat/progressd/internal/clock"
	"github.com/barstat/progressd/internal/config"
	"github.com/barstat/progressd/internal/durable"
	"github.com/barstat/progressd/internal/entitlements"
	"github.com/barstat/progressd/internal/hotstore"
	"github.com/barstat/progressd/internal/intake"
	"github.com/barstat/progressd/internal/jobqueue"
	"github.com/barstat/progressd/internal/predictor"
	"github.com/barstat/progressd/internal/sampling"
	"github.com/barstat/progressd/internal/schema"
	"github.com/barstat/progressd/internal/slackalert"
	"github.com/barstat/progressd/internal/subscribe"
	"github.com/barstat/progressd/internal/tracedata"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("progressd starting",
		"port", cfg.Port,
		"redis_url", cfg.RedisURL,
		"nats_url", cfg.NatsURL,
		"idle_bound", cfg.IdleBound,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: connect to the durable store (Postgres via pgx).
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := durable.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("durable store connected")

	// Step 2: connect to the hot-state store (Redis).
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	hot := hotstore.NewRedisAdapter(redisClient, cfg.InFlightTTL, cfg.CompletionGraceTTL)
	defer hot.Close()
	slog.Info("hot-state store connected")

	// Step 3: connect to the job queue (NATS JetStream) that decouples
	// trace completion from sampling.
	jobs, err := jobqueue.NewNATSQueue(cfg.NatsURL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer jobs.Close()
	slog.Info("job queue connected")

	// Step 4: build the core collaborators.
	clk := clock.Real{}
	registry := schema.NewRegistry(db)
	ent := entitlements.AllowAll{}
	machine := intake.New(hot, registry, clk, ent, jobs, intake.Config{
		CASRetryBudget:     cfg.CASRetryBudget,
		CompletionGraceTTL: cfg.CompletionGraceTTL,
		InFlightTTL:        cfg.InFlightTTL,
		IdleBound:          cfg.IdleBound,
	})
	engine := predictor.New(db, clk, cfg.MinRecomputeInterval)
	policy := sampling.New(db, hot, nil)
	fabric := subscribe.New(hot, cfg.SubscriptionIdleTTL)

	var alerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("slack schema-drift alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 5: start consuming completed traces and feeding them to the
	// sampling policy, which in turn drives the predictor engine's
	// invalidation.
	go func() {
		err := jobs.Consume(ctx, func(ctx context.Context, trace tracedata.CompletedTrace) error {
			bs, err := registry.Resolve(ctx, trace.OwnerSub, trace.BarName)
			if err != nil {
				return err
			}
			_, err = policy.Evaluate(ctx, bs, trace, engine)
			return err
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("sampling consumer stopped", "error", err)
		}
	}()

	// Step 6: run the idle-trace sweep on a ticker, driving SweepIdle
	// across every bar ListBars reports. Bar/step registration itself is
	// out of scope per §1, but the rows it would have written already
	// live in the durable store, so enumerating them needs no
	// registration surface of its own.
	idleTicker := time.NewTicker(cfg.IdleSweepInterval)
	defer idleTicker.Stop()
	go func() {
		for {
			select {
			case <-idleTicker.C:
				runIdleSweep(ctx, db, machine)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Step 7: start the HTTP API.
	srv := api.NewServer(machine, engine, registry, fabric, alerter, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("progressd ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()
	slog.Info("progressd stopped")
}

// runIdleSweep drives intake.Machine.SweepIdle across every bar the
// durable store currently lists. One bar's failure to list or sweep is
// logged, not fatal, so a single broken bar can't stall the others.
func runIdleSweep(ctx context.Context, db *durable.Store, machine *intake.Machine) {
	bars, err := db.ListBars(ctx)
	if err != nil {
		slog.Error("idle sweep: failed to list bars", "error", err)
		return
	}
	for _, ref := range bars {
		n, err := machine.SweepIdle(ctx, ref.OwnerSub, ref.BarName, ref.Version)
		if err != nil {
			slog.Error("idle sweep failed", "owner", ref.OwnerSub, "bar", ref.BarName, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("idle sweep aborted stale traces", "owner", ref.OwnerSub, "bar", ref.BarName, "count", n)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
