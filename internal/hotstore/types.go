// Package hotstore adapts the core to the key-value + pub/sub hot-state
// store described in spec §4.C and §6. It speaks Redis (the teacher's
// own stack has no KV/pub-sub dependency; this is grounded directly on
// the original Python service's redis.asyncio usage — see DESIGN.md).
package hotstore

import (
	"errors"
	"strconv"
	"time"
)

// TraceHash mirrors the `trace:{owner}:{bar}:{uid}` hash.
type TraceHash struct {
	Exists        bool
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	CurrentStep   int
	Done          bool
	Aborted       bool
}

// StepHash mirrors the `trace:{owner}:{bar}:{uid}:step:{position}` hash.
// Iterations == 0 means the step is not iterated (⊥ in the spec).
type StepHash struct {
	Exists     bool
	StepName   string
	Iteration  int
	Iterations int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ErrCASConflict is returned by Transition when a concurrent writer won
// the race on the same trace key; the caller should retry with a fresh
// read, up to its own bounded budget (spec §4.D tie-break rule).
var ErrCASConflict = errors.New("hotstore: concurrent modification, retry")

// Notification is one pub/sub message: a trace was mutated.
type Notification struct {
	OwnerSub string
	BarName  string
	TraceUID string
}

// formatTime/parseTime encode *_at fields as the spec's double-precision
// Unix seconds, stored as redis hash field strings.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

func parseTime(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(s string) bool {
	return s == "1"
}
