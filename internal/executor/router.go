package executor

import (
	"context"
	"fmt"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/specialistvlad/stagegridgo/internal/stage"
)

// AutoPolicy chooses a concrete backend for a stage configured with
// stage.ModeAuto. It must return ModeInProcess or ModeIsolated.
type AutoPolicy func(task Task) stage.Mode

// AlwaysInProcess is the default AutoPolicy.
func AlwaysInProcess(Task) stage.Mode { return stage.ModeInProcess }

// Router dispatches a task to the backend selected by its mode.
type Router struct {
	InProcess Executor
	Isolated  Executor
	// Default applies to stages that do not set a mode. Empty means in-process.
	Default stage.Mode
	Auto    AutoPolicy
}

// Resolve returns the concrete backend mode for a stage.
func (r *Router) Resolve(mode stage.Mode, task Task) stage.Mode {
	if mode == stage.ModeDefault {
		mode = r.Default
	}
	switch mode {
	case stage.ModeIsolated:
		return stage.ModeIsolated
	case stage.ModeAuto:
		auto := r.Auto
		if auto == nil {
			auto = AlwaysInProcess
		}
		if auto(task) == stage.ModeIsolated {
			return stage.ModeIsolated
		}
	}
	return stage.ModeInProcess
}

// Run resolves mode and runs task on the chosen backend. A missing backend
// yields a failed Result with VALIDATION_ERROR.
func (r *Router) Run(ctx context.Context, mode stage.Mode, task Task) Result {
	resolved := r.Resolve(mode, task)
	backend := r.InProcess
	if resolved == stage.ModeIsolated {
		backend = r.Isolated
	}
	if backend == nil {
		res := failed(errcode.ValidationError, "resolve", fmt.Sprintf("no %s backend configured for stage '%s'", resolved, task.Stage))
		res.Mode = resolved
		return res
	}
	return backend.Run(ctx, task)
}
