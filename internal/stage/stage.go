// Package stage defines the contract every unit of work implements and the
// definition the orchestrator schedules.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/resources"
	"github.com/specialistvlad/stagegridgo/internal/retry"
	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Stage is a single named unit of work.
//
// Validate and ValidateOutputs must be free of side effects. Cleanup is
// called once after every attempt regardless of its outcome; an error from
// Cleanup is reported but never changes the attempt's result.
type Stage interface {
	Name() string
	Validate(sc stagectx.Context) (ok bool, reason string)
	Execute(ctx context.Context, sc stagectx.Context) (stagectx.Context, error)
	Cleanup(ctx context.Context, sc stagectx.Context) error
	ValidateOutputs(sc stagectx.Context) (ok bool, reason string)
}

// Factory builds a Stage from its decoded configuration.
type Factory func(name string, cfg map[string]any) (Stage, error)

// Mode selects the executor backend for a stage.
type Mode string

const (
	ModeDefault   Mode = ""
	ModeInProcess Mode = "in-process"
	ModeIsolated  Mode = "isolated"
	ModeAuto      Mode = "auto"
)

// ParseMode validates s.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDefault, ModeInProcess, ModeIsolated, ModeAuto:
		return m, nil
	}
	return "", fmt.Errorf("invalid execution mode %q: expected one of in-process, isolated, auto", s)
}

// Definition is one node of the stage graph.
type Definition struct {
	// Name is unique within a run.
	Name string
	// Uses is the registry key of the implementation. It is required for
	// isolated execution, since the worker process rebuilds the stage from it.
	Uses string
	// Stage is the implementation used in the orchestrating process. When nil
	// it is built from Uses and Config.
	Stage     Stage
	DependsOn []string
	Mode      Mode
	Limits    resources.Limits
	Timeout   time.Duration
	// Retry adjusts the run's retry policy for this stage. MaxRetries, when
	// non-nil, is applied after it.
	Retry      *retry.Override
	MaxRetries *int
	Config     map[string]any
}

// Retries is a convenience for setting Definition.MaxRetries.
func Retries(n int) *int { return &n }
