// Package ids mints opaque external identifiers. Every entity the core
// hands back to a caller is a prefixed, dash-free UUID so callers can
// never infer ordering or internal row numbers from the string shape.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	prefixBar    = "pbar"
	prefixStep   = "step"
	prefixTrace  = "trace"
	prefixSub    = "sub"
	prefixTStep  = "tstep"
)

// New mints an opaque id with the given prefix.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewBar() string       { return New(prefixBar) }
func NewStep() string      { return New(prefixStep) }
func NewTrace() string     { return New(prefixTrace) }
func NewSubscriber() string { return New(prefixSub) }
func NewTraceStep() string { return New(prefixTStep) }
