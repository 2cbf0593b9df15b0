package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects every environment-tunable knob the service reads at
// startup, following the teacher's flat envStr/envInt loading pattern.
type Config struct {
	Port int

	RedisURL    string
	NatsURL     string
	DatabaseURL string

	LogLevel string

	InFlightTTL        time.Duration
	CompletionGraceTTL time.Duration
	IdleBound          time.Duration
	IdleSweepInterval  time.Duration
	CASRetryBudget     int

	MinRecomputeInterval time.Duration
	SubscriptionIdleTTL  time.Duration

	SlackBotToken     string
	SlackAlertChannel string
}

// Load reads Config from the environment, defaulting every field the
// way the teacher's config.Load does.
func Load() Config {
	return Config{
		Port: envInt("PROGRESSD_PORT", 8700),

		RedisURL:    envStr("REDIS_URL", "redis://localhost:6379/0"),
		NatsURL:     envStr("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: envStr("DATABASE_URL", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),

		InFlightTTL:        time.Duration(envInt("IN_FLIGHT_TTL_MS", 3_600_000)) * time.Millisecond,
		CompletionGraceTTL: time.Duration(envInt("COMPLETION_GRACE_TTL_MS", 300_000)) * time.Millisecond,
		IdleBound:          time.Duration(envInt("IDLE_BOUND_MS", 3_600_000)) * time.Millisecond,
		IdleSweepInterval:  time.Duration(envInt("IDLE_SWEEP_INTERVAL_MS", 60_000)) * time.Millisecond,
		CASRetryBudget:     envInt("CAS_RETRY_BUDGET", 5),

		MinRecomputeInterval: time.Duration(envInt("MIN_RECOMPUTE_INTERVAL_MS", 1_000)) * time.Millisecond,
		SubscriptionIdleTTL:  time.Duration(envInt("SUBSCRIPTION_IDLE_TTL_MS", 30_000)) * time.Millisecond,

		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
